package embedding

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/types"
)

const QueryProfileName = "query"

type ModelSpec struct {
	Name     string  `toml:"name"`
	Provider string  `toml:"provider"`
	Weight   float64 `toml:"weight"`
}

// ProfileMatch is a conjunction; an empty list matches anything.
type ProfileMatch struct {
	ConnectorKinds []string `toml:"connector_kinds"`
	BlockTypes     []string `toml:"block_types"`
	Languages      []string `toml:"languages"`
	ContentTypes   []string `toml:"content_types"`
}

func (m ProfileMatch) matches(p types.ContentProfile) bool {
	return matchAny(m.ConnectorKinds, string(p.ConnectorKind)) &&
		matchAny(m.BlockTypes, string(p.BlockType)) &&
		matchAny(m.Languages, p.Language) &&
		matchAny(m.ContentTypes, p.ContentType)
}

func matchAny(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, s := range list {
		if s == "*" || strings.EqualFold(s, v) {
			return true
		}
		// "text/*" style prefixes for content types
		if strings.HasSuffix(s, "/*") && strings.HasPrefix(v, strings.TrimSuffix(s, "*")) {
			return true
		}
	}
	return false
}

// Profile is an ordered model list; the first model is primary.
type Profile struct {
	Name      string       `toml:"name"`
	Models    []ModelSpec  `toml:"models"`
	TargetDim int          `toml:"target_dim"`
	Match     ProfileMatch `toml:"match"`
}

// ModelSet identifies the models behind a vector, e.g. "bge-m3+text-embedding-3-small".
func (p *Profile) ModelSet() string {
	names := make([]string, len(p.Models))
	for i, m := range p.Models {
		names[i] = m.Name
	}
	return strings.Join(names, "+")
}

func (p *Profile) validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile without name")
	}
	if len(p.Models) == 0 {
		return fmt.Errorf("profile %s lists no models", p.Name)
	}
	for i := range p.Models {
		if p.Models[i].Name == "" {
			return fmt.Errorf("profile %s: model %d has no name", p.Name, i)
		}
		if p.Models[i].Weight < 0 {
			return fmt.Errorf("profile %s: negative weight for %s", p.Name, p.Models[i].Name)
		}
		if p.Models[i].Weight == 0 {
			p.Models[i].Weight = 1
		}
	}
	return nil
}

// Profiles are evaluated in file order; the first match wins.
type Profiles struct {
	Profiles []Profile `toml:"profiles"`
}

func (ps *Profiles) Validate() error {
	seen := map[string]bool{}
	for i := range ps.Profiles {
		if err := ps.Profiles[i].validate(); err != nil {
			return errors.NewKind("Profiles.Validate", errors.KindConfiguration, err.Error(), nil)
		}
		if seen[ps.Profiles[i].Name] {
			return errors.NewKind("Profiles.Validate", errors.KindConfiguration, "duplicate profile "+ps.Profiles[i].Name, nil)
		}
		seen[ps.Profiles[i].Name] = true
	}
	return nil
}

// Select returns the profile for a content profile. Query embeddings always
// use the profile named "query" when present.
func (ps *Profiles) Select(p types.ContentProfile) (*Profile, error) {
	if p.ContentType == types.QueryProfile.ContentType {
		if qp := ps.byName(QueryProfileName); qp != nil {
			return qp, nil
		}
	}
	for i := range ps.Profiles {
		if ps.Profiles[i].Name == QueryProfileName {
			continue
		}
		if ps.Profiles[i].Match.matches(p) {
			return &ps.Profiles[i], nil
		}
	}
	return nil, errors.NewKind("Profiles.Select", errors.KindConfiguration,
		fmt.Sprintf("no embedding profile matches connector=%s block=%s language=%s content=%s", p.ConnectorKind, p.BlockType, p.Language, p.ContentType), nil)
}

func (ps *Profiles) byName(name string) *Profile {
	for i := range ps.Profiles {
		if ps.Profiles[i].Name == name {
			return &ps.Profiles[i]
		}
	}
	return nil
}

// LoadProfiles reads a TOML profile file such as:
//
//	[[profiles]]
//	name = "code"
//	target_dim = 1024
//	match = { block_types = ["code"] }
//	models = [{ name = "voyage-code-3", provider = "openai", weight = 0.7 },
//	          { name = "text-embedding-3-small", provider = "openai", weight = 0.3 }]
func LoadProfiles(path string) (*Profiles, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewKind("LoadProfiles", errors.KindConfiguration, "failed to read profile file", err)
	}
	var ps Profiles
	if err = toml.Unmarshal(raw, &ps); err != nil {
		return nil, errors.NewKind("LoadProfiles", errors.KindConfiguration, "failed to parse profile file", err)
	}
	if err = ps.Validate(); err != nil {
		return nil, err
	}
	return &ps, nil
}

// DefaultProfiles routes everything through a single model.
func DefaultProfiles(provider, model string) *Profiles {
	spec := []ModelSpec{{Name: model, Provider: provider, Weight: 1}}
	return &Profiles{Profiles: []Profile{
		{Name: QueryProfileName, Models: spec},
		{Name: "default", Models: spec},
	}}
}
