// Package model resolves model references (provider/model paths, short
// names, symbolic tags) against a live provider catalog. Resolution is
// deterministic: identical inputs always produce identical outputs.
package model

import (
	"regexp"
	"sort"
	"strings"

	"github.com/jaakkos/opencode-orchestrator/internal/domain"
)

// Source classifies where a provider came from.
type Source string

const (
	SourceConfig Source = "config"
	SourceCustom Source = "custom"
	SourceEnv    Source = "env"
	SourceAPI    Source = "api"
)

// Capabilities are the model capability flags the resolver cares about.
type Capabilities struct {
	ImageInput bool `json:"imageInput,omitempty"`
	Attachment bool `json:"attachment,omitempty"`
	Web        bool `json:"web,omitempty"`
}

// Model is one entry of a provider's model map.
type Model struct {
	ID           string       `json:"id"`
	Name         string       `json:"name,omitempty"`
	Capabilities Capabilities `json:"capabilities,omitempty"`
}

// Provider is one provider of the live catalog.
type Provider struct {
	ID     string  `json:"id"`
	Source Source  `json:"source"`
	Models []Model `json:"models"`
}

// Catalog is the resolver's input: the provider list plus global hints.
type Catalog struct {
	Providers []Provider
	Default   string // default provider/model
	Small     string // small-model hint for the fast tag
}

// reservedProvider is usable for tags even when api-sourced.
const reservedProvider = "opencode"

// Variant refines a symbolic tag.
type Variant string

const (
	VariantNone   Variant = ""
	VariantVision Variant = "vision"
	VariantDocs   Variant = "docs"
	VariantFast   Variant = "fast"
)

// Tag is a parsed symbolic model tag such as auto or node:vision.
type Tag struct {
	Node    bool // restrict to the local (usable) catalog, no default fallback
	Variant Variant
}

// ParseTag parses a symbolic tag. The tag set is closed; anything else is not
// a tag.
func ParseTag(ref string) (Tag, bool) {
	base, variant, _ := strings.Cut(strings.TrimSpace(strings.ToLower(ref)), ":")
	var t Tag
	switch base {
	case "auto":
	case "node":
		t.Node = true
	default:
		return Tag{}, false
	}
	switch Variant(variant) {
	case VariantNone, VariantVision, VariantDocs, VariantFast:
		t.Variant = Variant(variant)
	default:
		return Tag{}, false
	}
	return t, true
}

// predicate returns the capability requirement of the tag's variant, or nil
// when any model qualifies.
func (t Tag) predicate() func(Model) bool {
	switch t.Variant {
	case VariantVision:
		return func(m Model) bool { return m.Capabilities.ImageInput || m.Capabilities.Attachment }
	case VariantDocs:
		return func(m Model) bool { return m.Capabilities.Web }
	default:
		return nil
	}
}

// Resolve maps ref to a concrete provider/model string. needVision enforces
// the invoking profile's image-input requirement on whatever was resolved.
func Resolve(ref string, cat Catalog, needVision bool) (domain.ModelResolution, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.ModelResolution{}, domain.Errorf(domain.KindModelInvalid, "model.resolve", ref,
			"empty model reference")
	}

	var (
		res domain.ModelResolution
		err error
	)
	switch {
	case isTag(ref):
		tag, _ := ParseTag(ref)
		res, err = resolveTag(ref, tag, cat)
	case strings.Contains(ref, "/"):
		res, err = resolvePath(ref, cat)
	default:
		res, err = resolveShort(ref, cat)
	}
	if err != nil {
		return domain.ModelResolution{}, err
	}

	if needVision {
		if m, ok := lookup(cat, res.Model); !ok || !(m.Capabilities.ImageInput || m.Capabilities.Attachment) {
			return domain.ModelResolution{}, domain.Errorf(domain.KindVisionRequired, "model.resolve", res.Model,
				"profile requires image input but %q does not support it", res.Model)
		}
	}
	return res, nil
}

func isTag(ref string) bool {
	_, ok := ParseTag(ref)
	return ok
}

// resolvePath handles provider/model references: exact, then fuzzy within
// the named provider, then fuzzy across everything.
func resolvePath(ref string, cat Catalog) (domain.ModelResolution, error) {
	providerID, modelID, _ := strings.Cut(ref, "/")
	if providerID == "" || modelID == "" {
		return domain.ModelResolution{}, domain.Errorf(domain.KindModelInvalid, "model.resolve", ref,
			"model reference must be provider/model")
	}

	for _, p := range cat.Providers {
		if p.ID != providerID {
			continue
		}
		for _, m := range p.Models {
			if m.ID == modelID {
				return domain.ModelResolution{Model: ref, Reason: "exact match"}, nil
			}
		}
		if best, ok := fuzzy(modelID, []Provider{p}); ok {
			return best, nil
		}
	}
	if best, ok := fuzzy(modelID, cat.Providers); ok {
		return best, nil
	}
	return domain.ModelResolution{}, domain.Errorf(domain.KindModelUnresolvable, "model.resolve", ref,
		"no provider offers %q", ref).WithSuggestions(allRefs(cat))
}

// resolveShort fuzzy-matches a bare model name across all providers.
func resolveShort(ref string, cat Catalog) (domain.ModelResolution, error) {
	if best, ok := fuzzy(ref, cat.Providers); ok {
		return best, nil
	}
	return domain.ModelResolution{}, domain.Errorf(domain.KindModelUnresolvable, "model.resolve", ref,
		"no model matches %q", ref).WithSuggestions(allRefs(cat))
}

// resolveTag picks the best model from the usable catalog for the tag's
// predicate. vision never downgrades; auto (non-node) may fall back to the
// configured default.
func resolveTag(ref string, tag Tag, cat Catalog) (domain.ModelResolution, error) {
	usable := usableProviders(cat)

	if tag.Variant == VariantFast && cat.Small != "" {
		// A symbolic small-model hint would re-enter this resolver with the
		// same inputs; only concrete refs are usable as hints.
		if _, isTag := ParseTag(cat.Small); !isTag {
			if res, err := Resolve(cat.Small, cat, false); err == nil {
				return domain.ModelResolution{Model: res.Model, Reason: "tag " + ref + " via small-model hint"}, nil
			}
		}
	}

	if res, ok := pickBest(usable, tag); ok {
		res.Reason = "tag " + ref
		return res, nil
	}

	if tag.Variant == VariantVision {
		return domain.ModelResolution{}, domain.Errorf(domain.KindVisionRequired, "model.resolve", ref,
			"no vision-capable model in the usable catalog")
	}
	if !tag.Node && cat.Default != "" {
		return domain.ModelResolution{Model: cat.Default, Reason: "tag " + ref + " via default model"}, nil
	}
	return domain.ModelResolution{}, domain.Errorf(domain.KindModelUnresolvable, "model.resolve", ref,
		"no usable model for tag %q", ref).WithSuggestions(allRefs(cat))
}

// usableProviders filters to non-api providers plus the reserved one.
func usableProviders(cat Catalog) []Provider {
	var out []Provider
	for _, p := range cat.Providers {
		if p.Source != SourceAPI || p.ID == reservedProvider {
			out = append(out, p)
		}
	}
	return out
}

// pickBest chooses the highest-scoring model satisfying the tag's predicate.
// The fast variant prefers models carrying a small-model marker.
func pickBest(providers []Provider, tag Tag) (domain.ModelResolution, bool) {
	pred := tag.predicate()
	best := -1 << 30
	var bestRef string

	for _, p := range sortedProviders(providers) {
		for _, m := range sortedModels(p.Models) {
			if pred != nil && !pred(m) {
				continue
			}
			s := 0
			if p.Source != SourceAPI {
				s += 5
			}
			if tag.Variant == VariantFast && hasFastMarker(m) {
				s += 25
			}
			s += penalties(m)
			// Later candidates win ties so results stay reproducible.
			if s >= best {
				best = s
				bestRef = p.ID + "/" + m.ID
			}
		}
	}
	if bestRef == "" {
		return domain.ModelResolution{}, false
	}
	return domain.ModelResolution{Model: bestRef}, true
}

var fastMarkers = []string{"mini", "small", "flash", "haiku", "lite", "fast"}

func hasFastMarker(m Model) bool {
	id := strings.ToLower(m.ID + " " + m.Name)
	for _, marker := range fastMarkers {
		if strings.Contains(id, marker) {
			return true
		}
	}
	return false
}

// fuzzy runs the scored matcher over the given providers. Candidates are
// visited in lexicographic (providerId, modelId) order and a later candidate
// takes an equal score, fixing the tie-break.
func fuzzy(needle string, providers []Provider) (domain.ModelResolution, bool) {
	n := normalize(needle)
	if n == "" {
		return domain.ModelResolution{}, false
	}

	best := -1 << 30
	var bestRef string
	for _, p := range sortedProviders(providers) {
		for _, m := range sortedModels(p.Models) {
			id := normalize(m.ID)
			name := normalize(m.Name)

			var matched int
			switch {
			case id == n || name == n:
				matched = 50
			case strings.HasPrefix(id, n+"-") || strings.HasPrefix(name, n+"-"):
				matched = 25
			case strings.Contains(id, n) || strings.Contains(name, n):
				matched = 10
			default:
				continue
			}
			s := matched
			if p.Source != SourceAPI {
				s += 5
			}
			s += penalties(m)
			if s >= best {
				best = s
				bestRef = p.ID + "/" + m.ID
			}
		}
	}
	if bestRef == "" {
		return domain.ModelResolution{}, false
	}
	return domain.ModelResolution{Model: bestRef, Reason: "fuzzy match for " + needle}, true
}

// penalties discourages thinking/reasoning variants the caller did not ask
// for.
func penalties(m Model) int {
	id := strings.ToLower(m.ID + " " + m.Name)
	s := 0
	if strings.Contains(id, "thinking") {
		s -= 10
	}
	if strings.Contains(id, "reasoning") {
		s -= 5
	}
	return s
}

var versionSuffix = regexp.MustCompile(`-(\d{8}|\d{4}-\d{2}-\d{2}|v\d+)$`)

// normalize lowercases, trims, drops a leading provider: prefix and strips
// trailing date or version suffixes.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.Index(s, ":"); i > 0 {
		s = s[i+1:]
	}
	for {
		trimmed := versionSuffix.ReplaceAllString(s, "")
		if trimmed == s {
			return s
		}
		s = trimmed
	}
}

func sortedProviders(ps []Provider) []Provider {
	out := make([]Provider, len(ps))
	copy(out, ps)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedModels(ms []Model) []Model {
	out := make([]Model, len(ms))
	copy(out, ms)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// lookup finds the resolved model back in the catalog for capability checks.
func lookup(cat Catalog, ref string) (Model, bool) {
	providerID, modelID, ok := strings.Cut(ref, "/")
	if !ok {
		return Model{}, false
	}
	for _, p := range cat.Providers {
		if p.ID != providerID {
			continue
		}
		for _, m := range p.Models {
			if m.ID == modelID {
				return m, true
			}
		}
	}
	return Model{}, false
}

// allRefs lists every provider/model pair, sorted, for error suggestions.
func allRefs(cat Catalog) []string {
	var out []string
	for _, p := range sortedProviders(cat.Providers) {
		for _, m := range sortedModels(p.Models) {
			out = append(out, p.ID+"/"+m.ID)
		}
	}
	return out
}
