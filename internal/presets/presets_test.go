package presets

import (
	"testing"

	"github.com/Iron-Ham/pacer/internal/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
)

func TestBuiltinResolve(t *testing.T) {
	table := Builtin()
	tests := []struct {
		name     string
		provider string
		model    string
		tier     string
		want     Limits
		source   string
	}{
		{"tier default", "anthropic", "claude-sonnet-4", "", Limits{Concurrency: 4, RPM: 50, TPM: 40_000}, "anthropic/standard/default"},
		{"model pattern", "anthropic", "claude-3-5-haiku", "", Limits{Concurrency: 8, RPM: 50, TPM: 50_000}, "anthropic/standard/*haiku*"},
		{"case insensitive", "Anthropic", "Claude-Opus-4", "STANDARD", Limits{Concurrency: 2, RPM: 50, TPM: 20_000}, "anthropic/standard/*opus*"},
		{"explicit tier", "openai", "gpt-4o", "scale", Limits{Concurrency: 24, RPM: 10_000, TPM: 10_000_000}, "openai/scale/default"},
		{"unknown provider", "mistral", "large", "", Limits{Concurrency: 2, RPM: 60}, "fallback"},
		{"unknown tier", "google", "gemini-pro", "enterprise", Limits{Concurrency: 2, RPM: 60}, "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := table.Resolve(tt.provider, tt.model, tt.tier)
			if diff := cmp.Diff(tt.want, got.Limits); diff != "" {
				t.Errorf("Resolve() limits mismatch (-want +got):\n%s", diff)
			}
			if got.Source() != tt.source {
				t.Errorf("Source() = %q, want %q", got.Source(), tt.source)
			}
		})
	}
}

const fileYAML = `
default_tier: scale
fallback:
  concurrency: 3
  rpm: 30
providers:
  anthropic:
    tiers:
      scale:
        default: {concurrency: 20, rpm: 5000, tpm: 500000}
        models:
          - pattern: "claude-opus-*"
            concurrency: 6
            rpm: 1000
  local:
    tiers:
      scale:
        default: {concurrency: 64, rpm: 0}
`

func TestLoadFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/etc/pacer/presets.yaml", []byte(fileYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	table, err := LoadFile(fs, "/etc/pacer/presets.yaml")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if table.DefaultTier != "scale" {
		t.Errorf("DefaultTier = %q, want scale", table.DefaultTier)
	}

	got := table.Resolve("anthropic", "claude-opus-4", "")
	if got.Concurrency != 6 || got.RPM != 1000 {
		t.Errorf("file rule = %+v, want 6/1000", got.Limits)
	}
	// The file's scale tier replaces the built-in one entirely
	got = table.Resolve("anthropic", "claude-sonnet-4", "")
	if got.Concurrency != 20 {
		t.Errorf("file tier default = %+v, want 20", got.Limits)
	}
	// Built-in tiers not named in the file survive
	got = table.Resolve("anthropic", "claude-sonnet-4", "standard")
	if got.Concurrency != 4 {
		t.Errorf("built-in standard tier = %+v, want 4", got.Limits)
	}
	got = table.Resolve("local", "llama", "")
	if got.Concurrency != 64 {
		t.Errorf("new provider = %+v, want 64", got.Limits)
	}
	got = table.Resolve("nobody", "x", "")
	if diff := cmp.Diff(Limits{Concurrency: 3, RPM: 30}, got.Limits); diff != "" {
		t.Errorf("fallback mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	fs := afero.NewMemMapFs()
	if _, err := LoadFile(fs, "/missing.yaml"); errors.KindOf(err) != errors.KindStorage {
		t.Errorf("missing file kind = %v, want storage", errors.KindOf(err))
	}

	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "providers: [unclosed"},
		{"bad pattern", "providers:\n  p:\n    tiers:\n      t:\n        models:\n          - pattern: \"[\"\n"},
		{"negative limit", "fallback: {concurrency: -1}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.KindOf(err) != errors.KindValidation {
				t.Errorf("kind = %v, want validation", errors.KindOf(err))
			}
		})
	}
}

func TestEntries(t *testing.T) {
	table, err := Parse([]byte(`
providers:
  b:
    tiers:
      standard:
        default: {concurrency: 1, rpm: 1}
  a:
    tiers:
      standard:
        default: {concurrency: 2, rpm: 2}
        models:
          - {pattern: "x*", concurrency: 3, rpm: 3}
`))
	if err != nil {
		t.Fatal(err)
	}
	want := []Entry{
		{Provider: "a", Tier: "standard", Pattern: "default", Limits: Limits{Concurrency: 2, RPM: 2}},
		{Provider: "a", Tier: "standard", Pattern: "x*", Limits: Limits{Concurrency: 3, RPM: 3}},
		{Provider: "b", Tier: "standard", Pattern: "default", Limits: Limits{Concurrency: 1, RPM: 1}},
	}
	if diff := cmp.Diff(want, table.Entries()); diff != "" {
		t.Errorf("Entries() mismatch (-want +got):\n%s", diff)
	}
}
