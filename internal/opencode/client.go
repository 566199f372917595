// Package opencode is a minimal HTTP client for a worker's `opencode serve`
// surface: sessions, prompts and the provider catalog.
package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jaakkos/opencode-orchestrator/internal/model"
)

// Client talks to one worker's HTTP surface.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the worker at base (e.g.
// http://127.0.0.1:4096). The underlying transport carries no timeout of its
// own; callers bound each request with a context.
func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{},
	}
}

// Session is an assistant conversation on the worker.
type Session struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// Part is one piece of a prompt: text, or an attachment by URL.
type Part struct {
	Type     string `json:"type"` // text, image, file
	Text     string `json:"text,omitempty"`
	MIME     string `json:"mime,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// TextPart builds a plain text part.
func TextPart(text string) Part { return Part{Type: "text", Text: text} }

// AttachmentPart builds an image or generic file part based on the MIME type.
func AttachmentPart(mime, url, filename string) Part {
	t := "file"
	if strings.HasPrefix(mime, "image/") {
		t = "image"
	}
	return Part{Type: t, MIME: mime, URL: url, Filename: filename}
}

// ResponsePart is one piece of the worker's reply.
type ResponsePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ResponseText extracts the reply text: text parts joined, falling back to
// reasoning parts when no text part carries content.
func ResponseText(parts []ResponsePart) string {
	var text, reasoning []string
	for _, p := range parts {
		switch p.Type {
		case "text":
			if p.Text != "" {
				text = append(text, p.Text)
			}
		case "reasoning":
			if p.Text != "" {
				reasoning = append(reasoning, p.Text)
			}
		}
	}
	if len(text) > 0 {
		return strings.Join(text, "\n")
	}
	return strings.Join(reasoning, "\n")
}

// ListSessions enumerates the worker's sessions.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := c.do(ctx, http.MethodGet, "/session", nil, &out); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// CreateSession creates a new session with the given title.
func (c *Client) CreateSession(ctx context.Context, title string) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodPost, "/session", map[string]any{"title": title}, &out)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return out, nil
}

// promptRequest is the wire shape of a prompt submission.
type promptRequest struct {
	Parts   []Part       `json:"parts"`
	Model   *promptModel `json:"model,omitempty"`
	NoReply bool         `json:"noReply,omitempty"`
}

type promptModel struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

type promptResponse struct {
	Parts []ResponsePart `json:"parts"`
}

// Prompt submits parts to the session and returns the reply parts. modelRef,
// when non-empty, must be provider/model.
func (c *Client) Prompt(ctx context.Context, sessionID string, parts []Part, modelRef string) ([]ResponsePart, error) {
	req := promptRequest{Parts: parts}
	if modelRef != "" {
		providerID, modelID, ok := strings.Cut(modelRef, "/")
		if !ok {
			return nil, fmt.Errorf("prompt: model %q is not provider/model", modelRef)
		}
		req.Model = &promptModel{ProviderID: providerID, ModelID: modelID}
	}
	var out promptResponse
	if err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/message", req, &out); err != nil {
		return nil, fmt.Errorf("prompt: %w", err)
	}
	return out.Parts, nil
}

// SendSystem delivers a one-shot system message that expects no reply. Used
// to seed instructions after spawn; a short deadline is applied when the
// caller's context has none.
func (c *Client) SendSystem(ctx context.Context, sessionID, text string) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}
	req := promptRequest{Parts: []Part{TextPart(text)}, NoReply: true}
	if err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/message", req, nil); err != nil {
		return fmt.Errorf("send system: %w", err)
	}
	return nil
}

// wireProvider is the provider-catalog wire shape.
type wireProvider struct {
	ID     string               `json:"id"`
	Source string               `json:"source"`
	Models map[string]wireModel `json:"models"`
}

type wireModel struct {
	Name         string `json:"name"`
	Capabilities struct {
		ImageInput bool `json:"imageInput"`
		Attachment bool `json:"attachment"`
		Web        bool `json:"web"`
	} `json:"capabilities"`
}

type wireProviders struct {
	Providers []wireProvider    `json:"providers"`
	Default   map[string]string `json:"default"` // providerID -> modelID
}

// Providers fetches the worker's provider catalog.
func (c *Client) Providers(ctx context.Context) (model.Catalog, error) {
	var wire wireProviders
	if err := c.do(ctx, http.MethodGet, "/config/providers", nil, &wire); err != nil {
		return model.Catalog{}, fmt.Errorf("providers: %w", err)
	}

	cat := model.Catalog{}
	for _, p := range wire.Providers {
		prov := model.Provider{ID: p.ID, Source: model.Source(p.Source)}
		ids := make([]string, 0, len(p.Models))
		for id := range p.Models {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			m := p.Models[id]
			prov.Models = append(prov.Models, model.Model{
				ID:   id,
				Name: m.Name,
				Capabilities: model.Capabilities{
					ImageInput: m.Capabilities.ImageInput,
					Attachment: m.Capabilities.Attachment,
					Web:        m.Capabilities.Web,
				},
			})
		}
		cat.Providers = append(cat.Providers, prov)
	}
	return cat, nil
}

// do issues one JSON request. Non-2xx responses become errors carrying the
// status and a body excerpt.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
