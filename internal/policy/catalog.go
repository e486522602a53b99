package policy

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	ErrNoBase    = errors.New("policy catalog needs exactly one base variant")
	ErrDuplicate = errors.New("duplicate variant id in catalog")
)

// Parameters shape a variant's conversational behaviour.
type Parameters struct {
	Greeting           string  `yaml:"greeting" json:"greeting"`
	Tone               string  `yaml:"tone" json:"tone"`
	Length             string  `yaml:"length" json:"length"`
	InquiryMode        string  `yaml:"inquiry_mode" json:"inquiry_mode"`
	BargeInSensitivity float64 `yaml:"barge_in_sensitivity" json:"barge_in_sensitivity"`
}

// Variant is one selectable prompt/policy bundle.
type Variant struct {
	ID         string     `yaml:"id" json:"id"`
	Parameters Parameters `yaml:"parameters" json:"parameters"`
	IsBase     bool       `yaml:"is_base" json:"is_base"`
}

// Catalog is the startup document enumerating all known variants.
type Catalog struct {
	Variants []Variant `yaml:"variants"`
}

// Load reads and validates the catalog file.
func Load(path string) (Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read policy catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse policy catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

func (c Catalog) Validate() error {
	seen := make(map[string]bool, len(c.Variants))
	base := 0
	for _, v := range c.Variants {
		if v.ID == "" {
			return fmt.Errorf("catalog variant with empty id")
		}
		if seen[v.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicate, v.ID)
		}
		seen[v.ID] = true
		if v.IsBase {
			base++
		}
	}
	if base != 1 {
		return fmt.Errorf("%w (found %d)", ErrNoBase, base)
	}
	return nil
}

// Base returns the unique base variant.
func (c Catalog) Base() Variant {
	for _, v := range c.Variants {
		if v.IsBase {
			return v
		}
	}
	return Variant{}
}

// ByID looks up a variant.
func (c Catalog) ByID(id string) (Variant, bool) {
	for _, v := range c.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// IDs returns variant ids in document order.
func (c Catalog) IDs() []string {
	out := make([]string, len(c.Variants))
	for i, v := range c.Variants {
		out[i] = v.ID
	}
	return out
}
