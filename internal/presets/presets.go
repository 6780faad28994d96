// Package presets holds the static per-provider limit tables: concurrency,
// requests per minute and tokens per minute by provider, tier and model.
//
// A built-in table covers the common providers. A YAML file can add
// providers or replace tiers; model rules inside a tier are glob patterns
// matched in order.
package presets

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Iron-Ham/pacer/internal/errors"
	"github.com/gobwas/glob"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// DefaultTier is used when neither the caller nor the table names a tier.
const DefaultTier = "standard"

// Limits are the static limits for one provider, tier and model.
type Limits struct {
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	RPM         int `yaml:"rpm" json:"rpm"`
	TPM         int `yaml:"tpm,omitempty" json:"tpm,omitempty"`
}

// ModelRule overrides a tier's default for models matching Pattern.
type ModelRule struct {
	Pattern string `yaml:"pattern"`
	Limits  `yaml:",inline"`

	matcher glob.Glob
}

// Tier is one account tier of a provider.
type Tier struct {
	Default Limits      `yaml:"default"`
	Models  []ModelRule `yaml:"models,omitempty"`
}

// Provider maps tier names to tiers.
type Provider struct {
	Tiers map[string]Tier `yaml:"tiers"`
}

// Table is a complete preset table.
type Table struct {
	DefaultTier string              `yaml:"default_tier,omitempty"`
	Fallback    Limits              `yaml:"fallback"`
	Providers   map[string]Provider `yaml:"providers"`
}

// Resolved is the outcome of a lookup.
type Resolved struct {
	Limits
	Provider string
	Tier     string
	// Rule is the matching model pattern, "default" for a tier default, or
	// "fallback" when the provider or tier is unknown.
	Rule string
}

// Source describes where the limits came from.
func (r Resolved) Source() string {
	if r.Rule == "fallback" {
		return "fallback"
	}
	return r.Provider + "/" + r.Tier + "/" + r.Rule
}

// Entry is one row of a flattened table.
type Entry struct {
	Provider string
	Tier     string
	Pattern  string
	Limits   Limits
}

// Builtin returns the built-in table.
func Builtin() *Table {
	t := &Table{
		DefaultTier: DefaultTier,
		Fallback:    Limits{Concurrency: 2, RPM: 60},
		Providers: map[string]Provider{
			"anthropic": {Tiers: map[string]Tier{
				"free": {Default: Limits{Concurrency: 1, RPM: 5, TPM: 20_000}},
				"standard": {
					Default: Limits{Concurrency: 4, RPM: 50, TPM: 40_000},
					Models: []ModelRule{
						{Pattern: "*haiku*", Limits: Limits{Concurrency: 8, RPM: 50, TPM: 50_000}},
						{Pattern: "*opus*", Limits: Limits{Concurrency: 2, RPM: 50, TPM: 20_000}},
					},
				},
				"scale": {
					Default: Limits{Concurrency: 16, RPM: 4_000, TPM: 400_000},
					Models: []ModelRule{
						{Pattern: "*opus*", Limits: Limits{Concurrency: 8, RPM: 4_000, TPM: 200_000}},
					},
				},
			}},
			"openai": {Tiers: map[string]Tier{
				"free": {Default: Limits{Concurrency: 1, RPM: 3, TPM: 40_000}},
				"standard": {
					Default: Limits{Concurrency: 8, RPM: 500, TPM: 200_000},
					Models: []ModelRule{
						{Pattern: "*mini*", Limits: Limits{Concurrency: 12, RPM: 500, TPM: 2_000_000}},
					},
				},
				"scale": {Default: Limits{Concurrency: 24, RPM: 10_000, TPM: 10_000_000}},
			}},
			"google": {Tiers: map[string]Tier{
				"free": {Default: Limits{Concurrency: 2, RPM: 15, TPM: 1_000_000}},
				"standard": {
					Default: Limits{Concurrency: 8, RPM: 360, TPM: 4_000_000},
					Models: []ModelRule{
						{Pattern: "*flash*", Limits: Limits{Concurrency: 12, RPM: 1_000, TPM: 4_000_000}},
					},
				},
				"scale": {Default: Limits{Concurrency: 16, RPM: 2_000, TPM: 8_000_000}},
			}},
		},
	}
	// Built-in patterns are known good
	if err := t.compile(); err != nil {
		panic(err)
	}
	return t
}

// compile lowercases provider and tier names and compiles model patterns.
func (t *Table) compile() error {
	providers := make(map[string]Provider, len(t.Providers))
	for pname, p := range t.Providers {
		tiers := make(map[string]Tier, len(p.Tiers))
		for tname, tier := range p.Tiers {
			rules := make([]ModelRule, len(tier.Models))
			for i, r := range tier.Models {
				g, err := glob.Compile(strings.ToLower(r.Pattern))
				if err != nil {
					return errors.Validation("presets.compile",
						fmt.Sprintf("providers.%s.tiers.%s.models[%d].pattern", pname, tname, i),
						err.Error())
				}
				r.matcher = g
				rules[i] = r
			}
			tier.Models = rules
			tiers[strings.ToLower(tname)] = tier
		}
		providers[strings.ToLower(pname)] = Provider{Tiers: tiers}
	}
	t.Providers = providers
	if t.DefaultTier == "" {
		t.DefaultTier = DefaultTier
	}
	t.DefaultTier = strings.ToLower(t.DefaultTier)
	return nil
}

// Parse decodes a YAML table.
func Parse(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, errors.New(errors.KindValidation, "presets.parse", "invalid preset YAML", err)
	}
	if err := t.compile(); err != nil {
		return nil, err
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Table) validate() error {
	check := func(field string, l Limits) error {
		if l.Concurrency < 0 || l.RPM < 0 || l.TPM < 0 {
			return errors.Validation("presets.validate", field, "limits must be non-negative")
		}
		return nil
	}
	if err := check("fallback", t.Fallback); err != nil {
		return err
	}
	for pname, p := range t.Providers {
		for tname, tier := range p.Tiers {
			if err := check(fmt.Sprintf("providers.%s.tiers.%s.default", pname, tname), tier.Default); err != nil {
				return err
			}
			for i, r := range tier.Models {
				if err := check(fmt.Sprintf("providers.%s.tiers.%s.models[%d]", pname, tname, i), r.Limits); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// LoadFile reads a YAML table from path and merges it over the built-in
// table. Tiers in the file replace built-in tiers of the same name.
func LoadFile(fs afero.Fs, path string) (*Table, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.New(errors.KindStorage, "presets.load", "read "+path, err)
	}
	file, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Builtin().Merge(file), nil
}

// Merge returns a copy of t with other's providers and tiers layered on top.
// Non-zero fallback and default tier values in other win.
func (t *Table) Merge(other *Table) *Table {
	out := &Table{
		DefaultTier: t.DefaultTier,
		Fallback:    t.Fallback,
		Providers:   make(map[string]Provider, len(t.Providers)),
	}
	for name, p := range t.Providers {
		tiers := make(map[string]Tier, len(p.Tiers))
		for tn, tier := range p.Tiers {
			tiers[tn] = tier
		}
		out.Providers[name] = Provider{Tiers: tiers}
	}
	if other == nil {
		return out
	}
	if other.DefaultTier != "" {
		out.DefaultTier = other.DefaultTier
	}
	if other.Fallback != (Limits{}) {
		out.Fallback = other.Fallback
	}
	for name, p := range other.Providers {
		existing, ok := out.Providers[name]
		if !ok {
			existing = Provider{Tiers: make(map[string]Tier, len(p.Tiers))}
		}
		for tn, tier := range p.Tiers {
			existing.Tiers[tn] = tier
		}
		out.Providers[name] = existing
	}
	return out
}

// Resolve returns the limits for provider, model and tier. An empty tier
// selects the table's default tier. Unknown providers or tiers yield the
// fallback limits.
func (t *Table) Resolve(provider, model, tier string) Resolved {
	provider = strings.ToLower(provider)
	tier = strings.ToLower(tier)
	if tier == "" {
		tier = t.DefaultTier
	}

	p, ok := t.Providers[provider]
	if !ok {
		return Resolved{Limits: t.Fallback, Provider: provider, Tier: tier, Rule: "fallback"}
	}
	tr, ok := p.Tiers[tier]
	if !ok {
		return Resolved{Limits: t.Fallback, Provider: provider, Tier: tier, Rule: "fallback"}
	}

	m := strings.ToLower(model)
	for _, r := range tr.Models {
		if r.matcher != nil && r.matcher.Match(m) {
			return Resolved{Limits: r.Limits, Provider: provider, Tier: tier, Rule: r.Pattern}
		}
	}
	return Resolved{Limits: tr.Default, Provider: provider, Tier: tier, Rule: "default"}
}

// Entries flattens the table, sorted by provider and tier with model rules
// in match order after each tier default.
func (t *Table) Entries() []Entry {
	var out []Entry
	providers := make([]string, 0, len(t.Providers))
	for name := range t.Providers {
		providers = append(providers, name)
	}
	sort.Strings(providers)

	for _, pname := range providers {
		p := t.Providers[pname]
		tiers := make([]string, 0, len(p.Tiers))
		for tn := range p.Tiers {
			tiers = append(tiers, tn)
		}
		sort.Strings(tiers)
		for _, tn := range tiers {
			tier := p.Tiers[tn]
			out = append(out, Entry{Provider: pname, Tier: tn, Pattern: "default", Limits: tier.Default})
			for _, r := range tier.Models {
				out = append(out, Entry{Provider: pname, Tier: tn, Pattern: r.Pattern, Limits: r.Limits})
			}
		}
	}
	return out
}
