package pbf

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wegman-software/osmindex/internal/element"
)

// RuleFile is the YAML layout of a tag filter file:
//
//	kinds: [relation]
//	rules:
//	  - key: boundary
//	    values: [administrative]
//	  - key: type
//	    values: [multipolygon, boundary]
type RuleFile struct {
	Kinds []string  `yaml:"kinds,omitempty"`
	Rules []TagRule `yaml:"rules"`
}

// LoadRules reads a YAML rule file
func LoadRules(path string) (*RuleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses YAML rule file content
func ParseRules(data []byte) (*RuleFile, error) {
	var rf RuleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}
	if len(rf.Rules) == 0 {
		return nil, fmt.Errorf("rule file has no rules")
	}
	for i, r := range rf.Rules {
		if r.Key == "" {
			return nil, fmt.Errorf("rule %d: key is required", i)
		}
	}
	return &rf, nil
}

// Compile builds the filter for the file's rules
func (rf *RuleFile) Compile() (*TagFilter, error) {
	return CompileFilter(rf.Rules)
}

// Mask returns the kinds named in the file, or all kinds when none are named
func (rf *RuleFile) Mask() (element.KindMask, error) {
	if len(rf.Kinds) == 0 {
		return element.MaskAll, nil
	}
	var m element.KindMask
	for _, s := range rf.Kinds {
		k, err := element.ParseKind(s)
		if err != nil {
			return 0, err
		}
		m |= element.MaskOf(k)
	}
	return m, nil
}
