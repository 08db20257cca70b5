package session

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Preferences are user-tunable settings. Zero values mean "use the default"
// except where noted.
type Preferences struct {
	MergeWindow time.Duration `yaml:"merge_window"`
	// DedupTolerance set to 0 disables near-duplicate suppression; nil keeps
	// the default.
	DedupTolerance    *time.Duration `yaml:"dedup_tolerance"`
	HighlightKeywords []string       `yaml:"highlight_keywords"`
	ClearOnBan        bool           `yaml:"clear_on_ban"`
}

// Overlay returns p with every field set in o replacing p's.
func (p Preferences) Overlay(o Preferences) Preferences {
	out := p
	if o.MergeWindow > 0 {
		out.MergeWindow = o.MergeWindow
	}
	if o.DedupTolerance != nil {
		d := *o.DedupTolerance
		out.DedupTolerance = &d
	}
	if o.HighlightKeywords != nil {
		out.HighlightKeywords = append([]string(nil), o.HighlightKeywords...)
	}
	if o.ClearOnBan {
		out.ClearOnBan = true
	}
	return out
}

// Tolerance resolves DedupTolerance against def.
func (p Preferences) Tolerance(def time.Duration) time.Duration {
	if p.DedupTolerance == nil {
		return def
	}
	if *p.DedupTolerance < 0 {
		return 0
	}
	return *p.DedupTolerance
}

func (p Preferences) clone() Preferences {
	out := p
	if p.DedupTolerance != nil {
		d := *p.DedupTolerance
		out.DedupTolerance = &d
	}
	out.HighlightKeywords = append([]string(nil), p.HighlightKeywords...)
	return out
}

// LoadPreferences reads a YAML preferences file. A missing file yields empty
// preferences.
func LoadPreferences(path string) (Preferences, error) {
	var p Preferences
	path = strings.TrimSpace(path)
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, err
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Preferences{}, err
	}
	return p, nil
}
