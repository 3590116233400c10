package signature

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/cvalentine99/nfa-ids/internal/models"
)

//go:embed signatures.toml
var defaultTableTOML string

// Rule is one labeling signature: rows matching When inside the first Scope
// rows are assigned Label.
type Rule struct {
	Label string `toml:"label"`
	Scope int    `toml:"scope"`
	When  string `toml:"when"`
}

// Class is the ordered rule list shared by a family of capture files.
type Class struct {
	Name     string   `toml:"name"`
	Patterns []string `toml:"patterns"`
	Rules    []Rule   `toml:"rules"`

	matchers []*regexp.Regexp
}

// Table maps capture file names to their signature class.
type Table struct {
	Classes []*Class `toml:"class"`
}

// ParseTable decodes and validates a signature table.
func ParseTable(data string) (*Table, error) {
	var t Table
	md, err := toml.Decode(data, &t)
	if err != nil {
		return nil, fmt.Errorf("signature: parse table: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("signature: unknown keys in table: %v", undecoded)
	}

	names := make(map[string]bool, len(t.Classes))
	for _, c := range t.Classes {
		if c.Name == "" {
			return nil, fmt.Errorf("signature: class without a name")
		}
		if names[c.Name] {
			return nil, fmt.Errorf("signature: duplicate class %q", c.Name)
		}
		names[c.Name] = true

		if len(c.Patterns) == 0 {
			return nil, fmt.Errorf("signature: class %q has no file patterns", c.Name)
		}
		for _, p := range c.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("signature: class %q: pattern %q: %w", c.Name, p, err)
			}
			c.matchers = append(c.matchers, re)
		}
		for i, r := range c.Rules {
			if err := r.validate(); err != nil {
				return nil, fmt.Errorf("signature: class %q rule %d: %w", c.Name, i, err)
			}
		}
	}
	return &t, nil
}

// LoadTable reads a signature table from a TOML file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	return ParseTable(string(data))
}

var (
	defaultOnce  sync.Once
	defaultTable *Table
	defaultErr   error
)

// DefaultTable returns the built-in table for the labelled attack captures.
func DefaultTable() (*Table, error) {
	defaultOnce.Do(func() {
		defaultTable, defaultErr = ParseTable(defaultTableTOML)
	})
	return defaultTable, defaultErr
}

// Lookup returns the first class with a pattern matching the base name of
// filename.
func (t *Table) Lookup(filename string) (*Class, bool) {
	base := filepath.Base(filename)
	for _, c := range t.Classes {
		for _, re := range c.matchers {
			if re.MatchString(base) {
				return c, true
			}
		}
	}
	return nil, false
}

func (r Rule) validate() error {
	if _, err := models.ParseLabel(r.Label); err != nil {
		return err
	}
	if r.Scope < 0 {
		return fmt.Errorf("negative scope %d", r.Scope)
	}
	if r.When == "" {
		return fmt.Errorf("empty predicate")
	}
	return nil
}
