package indicator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SpecFile is the YAML layout of an indicator set:
//
//	indicators:
//	  - SMA:20
//	  - ATR_RATIO:5/20
//	  - {type: BBANDS, args: [20, 2.5], source: typical}
type SpecFile struct {
	Indicators []Spec `yaml:"indicators"`
}

// UnmarshalYAML accepts either the text form or a mapping.
func (s *Spec) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		spec, err := ParseSpec(n.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		*s = spec
		return nil
	}
	type plain Spec
	var p plain
	if err := n.Decode(&p); err != nil {
		return err
	}
	*s = Spec(p)
	return nil
}

// ParseSpecYAML decodes and validates an indicator set in YAML.
func ParseSpecYAML(data []byte) ([]Spec, error) {
	var f SpecFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	if len(f.Indicators) == 0 {
		return nil, fmt.Errorf("%w: no indicators listed", ErrInvalidParam)
	}
	if err := ValidateSpecs(f.Indicators); err != nil {
		return nil, err
	}
	return f.Indicators, nil
}

// LoadSpecFile reads an indicator set from a YAML file.
func LoadSpecFile(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	specs, err := ParseSpecYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return specs, nil
}
