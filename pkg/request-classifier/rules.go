package classifier

import (
	"errors"
	"fmt"
	"strings"
)

type Rules []Rule

// Rule pins requests for a path, or for every path below a prefix, to a class.
type Rule struct {
	Prefix string `yaml:"prefix"`
	Path   string `yaml:"path"`
	Class  Class  `yaml:"class"`
}

// Validate checks that the rule names a known class and a path or prefix.
func (r Rule) Validate() error {
	if _, err := ParseClass(string(r.Class)); err != nil {
		return err
	}
	if r.Path == "" && r.Prefix == "" {
		return fmt.Errorf("rule for %s needs a path or prefix", r.Class)
	}
	return nil
}

func (r Rules) Validate() error {
	var errs []error
	for i, rule := range r {
		if err := rule.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i+1, err))
		}
	}
	return errors.Join(errs...)
}

// find returns the class of the first valid rule matching path.
func (r Rules) find(path string) (Class, bool) {
	for _, rule := range r {
		if rule.Validate() != nil {
			continue
		}
		if rule.Path != "" && rule.Path != path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(path, rule.Prefix) {
			continue
		}
		return rule.Class, true
	}
	return "", false
}
