package opencode

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestListAndCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session" {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode([]Session{{ID: "s1", Title: "one"}})
		case http.MethodPost:
			var body struct {
				Title string `json:"title"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			json.NewEncoder(w).Encode(Session{ID: "s2", Title: body.Title})
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	got, err := c.ListSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "s1" {
		t.Fatalf("sessions = %+v", got)
	}

	created, err := c.CreateSession(ctx, "Coder worker")
	if err != nil {
		t.Fatal(err)
	}
	if created.ID != "s2" || created.Title != "Coder worker" {
		t.Fatalf("created = %+v", created)
	}
}

func TestPromptSendsModelAndParts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session/s1/message" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Parts []Part `json:"parts"`
			Model *struct {
				ProviderID string `json:"providerID"`
				ModelID    string `json:"modelID"`
			} `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Model == nil || req.Model.ProviderID != "anthropic" || req.Model.ModelID != "claude-sonnet-4" {
			t.Errorf("model = %+v", req.Model)
		}
		if len(req.Parts) != 2 || req.Parts[0].Type != "text" || req.Parts[1].Type != "image" {
			t.Errorf("parts = %+v", req.Parts)
		}
		json.NewEncoder(w).Encode(map[string]any{"parts": []ResponsePart{
			{Type: "reasoning", Text: "thinking about it"},
			{Type: "text", Text: "hello"},
		}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	parts := []Part{
		TextPart("describe this"),
		AttachmentPart("image/png", "file:///tmp/x.png", "x.png"),
	}
	got, err := c.Prompt(context.Background(), "s1", parts, "anthropic/claude-sonnet-4")
	if err != nil {
		t.Fatal(err)
	}
	if text := ResponseText(got); text != "hello" {
		t.Errorf("ResponseText = %q, text parts take priority", text)
	}
}

func TestResponseTextFallsBackToReasoning(t *testing.T) {
	parts := []ResponsePart{
		{Type: "reasoning", Text: "step one"},
		{Type: "reasoning", Text: "step two"},
	}
	if got := ResponseText(parts); got != "step one\nstep two" {
		t.Errorf("ResponseText = %q", got)
	}
	if got := ResponseText(nil); got != "" {
		t.Errorf("ResponseText(nil) = %q", got)
	}
}

func TestAttachmentPartKind(t *testing.T) {
	if p := AttachmentPart("image/jpeg", "u", "f"); p.Type != "image" {
		t.Errorf("image MIME got type %q", p.Type)
	}
	if p := AttachmentPart("application/pdf", "u", "f"); p.Type != "file" {
		t.Errorf("non-image MIME got type %q", p.Type)
	}
}

func TestProvidersCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/config/providers" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{
			"providers": [
				{"id": "ollama", "source": "config", "models": {
					"llava": {"name": "LLaVA", "capabilities": {"imageInput": true}},
					"llama3": {"name": "Llama 3"}
				}}
			]
		}`))
	}))
	defer srv.Close()

	cat, err := NewClient(srv.URL).Providers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(cat.Providers) != 1 {
		t.Fatalf("catalog = %+v", cat)
	}
	p := cat.Providers[0]
	// Map iteration is randomized; the client must emit models sorted.
	if len(p.Models) != 2 || p.Models[0].ID != "llama3" || p.Models[1].ID != "llava" {
		t.Fatalf("models = %+v, want sorted by id", p.Models)
	}
	if !p.Models[1].Capabilities.ImageInput {
		t.Error("llava capabilities lost in conversion")
	}
}

func TestErrorCarriesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session gone", http.StatusGone)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).ListSessions(context.Background())
	if err == nil {
		t.Fatal("want error on non-2xx")
	}
}

func TestContextDeadlineAborts(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewClient(srv.URL).ListSessions(ctx)
	if err == nil {
		t.Fatal("want deadline error")
	}
}
