// Package config loads and merges the orchestrator's layered JSON
// configuration and resolves worker profiles from it.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jaakkos/opencode-orchestrator/internal/domain"
)

// ProfileEntry is one element of the profiles/workers arrays: either a bare
// profile id referencing a profile defined elsewhere, or a full profile
// object defined inline.
type ProfileEntry struct {
	Ref     string
	Profile domain.WorkerProfile
}

// UnmarshalJSON accepts either a JSON string (reference) or an object.
func (p *ProfileEntry) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &p.Ref)
	}
	return json.Unmarshal(b, &p.Profile)
}

// MarshalJSON mirrors UnmarshalJSON for round-tripping.
func (p ProfileEntry) MarshalJSON() ([]byte, error) {
	if p.Ref != "" {
		return json.Marshal(p.Ref)
	}
	return json.Marshal(p.Profile)
}

// PruningConfig bounds the in-memory job registry and message bus.
type PruningConfig struct {
	MaxJobs         int `json:"maxJobs"`
	MaxJobAgeHours  int `json:"maxJobAgeHours"`
	MaxMessages     int `json:"maxMessages"` // per recipient
	MaxArchivedJobs int `json:"maxArchivedJobs"`
}

// SecurityConfig caps workflow runs. Per-run requests are clamped to these.
type SecurityConfig struct {
	MaxSteps         int `json:"maxSteps"`
	MaxTaskChars     int `json:"maxTaskChars"`
	MaxCarryChars    int `json:"maxCarryChars"`
	PerStepTimeoutMs int `json:"perStepTimeoutMs"`
}

// WorkflowStepSpec is one step of a configured workflow.
type WorkflowStepSpec struct {
	ID       string `json:"id" yaml:"id"`
	Title    string `json:"title" yaml:"title"`
	WorkerID string `json:"worker" yaml:"worker"`
	Template string `json:"template" yaml:"template"`
	Carry    bool   `json:"carry" yaml:"carry"`
}

// WorkflowSpec is a configured workflow definition.
type WorkflowSpec struct {
	ID          string             `json:"id" yaml:"id"`
	Name        string             `json:"name" yaml:"name"`
	Description string             `json:"description" yaml:"description"`
	Steps       []WorkflowStepSpec `json:"steps" yaml:"steps"`
}

// Config is the merged orchestrator configuration. Objects deep-merge across
// layers; the profiles and workers arrays replace wholesale (an empty project
// workers array disables auto-spawn even when the global config sets some).
type Config struct {
	BasePort            int    `json:"basePort"`
	AutoSpawn           bool   `json:"autoSpawn"`
	StartupTimeout      int    `json:"startupTimeout"`      // ms, spawn readiness deadline
	HealthCheckInterval int    `json:"healthCheckInterval"` // ms
	Model               string `json:"model"`               // default model ref
	SmallModel          string `json:"smallModel"`          // hint for the fast tag

	Profiles []ProfileEntry `json:"profiles"`
	Workers  []ProfileEntry `json:"workers"` // auto-spawn set

	// Presentational blocks are carried opaquely for the tool surface.
	UI            map[string]any `json:"ui"`
	Notifications map[string]any `json:"notifications"`
	Agent         map[string]any `json:"agent"`
	Commands      map[string]any `json:"commands"`

	Pruning   PruningConfig  `json:"pruning"`
	Workflows []WorkflowSpec `json:"workflows"`
	Security  SecurityConfig `json:"security"`
}

// Default returns the configuration used when no file sets a field.
func Default() *Config {
	return &Config{
		AutoSpawn:           true,
		StartupTimeout:      60_000,
		HealthCheckInterval: 30_000,
		Pruning: PruningConfig{
			MaxJobs:        200,
			MaxJobAgeHours: 24,
			MaxMessages:    1000,
		},
		Security: SecurityConfig{
			MaxSteps:         8,
			MaxTaskChars:     8_000,
			MaxCarryChars:    16_000,
			PerStepTimeoutMs: 600_000,
		},
	}
}

// SpawnTimeout returns the readiness deadline as a duration.
func (c *Config) SpawnTimeout() time.Duration {
	if c.StartupTimeout <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.StartupTimeout) * time.Millisecond
}

// MaxJobAge returns the job TTL as a duration.
func (c *Config) MaxJobAge() time.Duration {
	if c.Pruning.MaxJobAgeHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Pruning.MaxJobAgeHours) * time.Hour
}

// Load reads the global document and the project document (the .opencode
// location, falling back to the legacy project-root location), merges them,
// and decodes onto defaults. A missing or unparseable layer degrades to an
// empty partial; Load never fails.
func Load(projectDir string, logger *log.Logger) *Config {
	global := readPartial(GlobalConfigPath(), logger)

	project := readPartial(ProjectConfigPath(projectDir), logger)
	if project == nil {
		project = readPartial(LegacyProjectConfigPath(projectDir), logger)
	}

	merged := Merge(global, project)

	cfg := Default()
	if len(merged) > 0 {
		data, err := json.Marshal(merged)
		if err == nil {
			if err := json.Unmarshal(data, cfg); err != nil && logger != nil {
				logger.Printf("Config: merged document does not decode: %v (using defaults)", err)
				cfg = Default()
			}
		}
	}
	return cfg
}

// readPartial parses one layer. Returns nil for a missing or invalid file.
func readPartial(path string, logger *log.Logger) map[string]any {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		if logger != nil {
			logger.Printf("Config: %s: invalid JSON: %v (ignored)", path, err)
		}
		return nil
	}
	return doc
}

// Merge deep-merges override onto base. Nested objects merge key by key;
// arrays and scalars from the override replace the base value entirely.
func Merge(base, override map[string]any) map[string]any {
	if base == nil && override == nil {
		return nil
	}
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		bv, ok := out[k]
		if !ok {
			out[k] = v
			continue
		}
		bm, bIsMap := bv.(map[string]any)
		om, oIsMap := v.(map[string]any)
		if bIsMap && oIsMap {
			out[k] = Merge(bm, om)
			continue
		}
		out[k] = v
	}
	return out
}

// ProfileMap resolves all declared profiles to full profile objects, keyed by
// id. A bare reference with no inline definition yields a minimal profile
// with the "auto" model tag. Inline worker entries are included too.
func (c *Config) ProfileMap() map[string]domain.WorkerProfile {
	out := make(map[string]domain.WorkerProfile)
	add := func(entries []ProfileEntry) {
		for _, e := range entries {
			switch {
			case e.Ref != "":
				if _, exists := out[e.Ref]; !exists {
					out[e.Ref] = domain.WorkerProfile{ID: e.Ref, Model: "auto"}
				}
			case e.Profile.ID != "":
				out[e.Profile.ID] = e.Profile
			}
		}
	}
	add(c.Profiles)
	add(c.Workers)
	return out
}

// ProfileByID looks up a resolved profile.
func (c *Config) ProfileByID(id string) (domain.WorkerProfile, bool) {
	p, ok := c.ProfileMap()[id]
	return p, ok
}

// ProfileIDs returns the declared profile ids (for error suggestions).
func (c *Config) ProfileIDs() []string {
	m := c.ProfileMap()
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	return ids
}

// AutoSpawnProfiles resolves the workers array to full profiles. References
// that resolve to nothing are reported, not skipped silently.
func (c *Config) AutoSpawnProfiles() ([]domain.WorkerProfile, error) {
	profiles := c.ProfileMap()
	out := make([]domain.WorkerProfile, 0, len(c.Workers))
	for _, e := range c.Workers {
		switch {
		case e.Ref != "":
			p, ok := profiles[e.Ref]
			if !ok {
				return nil, domain.Errorf(domain.KindConfigInvalid, "config.workers", e.Ref,
					"worker references undefined profile %q", e.Ref)
			}
			out = append(out, p)
		case e.Profile.ID != "":
			out = append(out, e.Profile)
		default:
			return nil, fmt.Errorf("config.workers: entry with neither id nor reference")
		}
	}
	return out, nil
}
