package acm

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// EntryConfig is one pair entry as written in a JSON config. A positive MaxDepth makes the
// entry conditional: contacts up to that depth in meters are allowed.
type EntryConfig struct {
	A        string  `json:"a"`
	B        string  `json:"b"`
	Allowed  bool    `json:"allowed"`
	MaxDepth float64 `json:"max_depth,omitempty"`
}

// Validate checks that the entry names two different bodies.
func (c EntryConfig) Validate() error {
	switch {
	case c.A == "" || c.B == "":
		return errors.New("collision matrix entry needs both a and b")
	case c.A == c.B:
		return errors.Errorf("collision matrix entry pairs %q with itself", c.A)
	case c.MaxDepth < 0:
		return errors.Errorf("collision matrix entry %s/%s has a negative max_depth", c.A, c.B)
	}
	return nil
}

// DefaultEntryConfig is a default policy for one body.
type DefaultEntryConfig struct {
	Name     string  `json:"name"`
	Allowed  bool    `json:"allowed"`
	MaxDepth float64 `json:"max_depth,omitempty"`
}

// Validate checks the default entry.
func (c DefaultEntryConfig) Validate() error {
	if c.Name == "" {
		return errors.New("collision matrix default entry needs a name")
	}
	if c.MaxDepth < 0 {
		return errors.Errorf("collision matrix default entry %s has a negative max_depth", c.Name)
	}
	return nil
}

// Config is the JSON form of the entries layered on top of a base matrix.
type Config struct {
	Entries  []EntryConfig        `json:"entries,omitempty"`
	Defaults []DefaultEntryConfig `json:"defaults,omitempty"`
}

// Validate checks every entry and reports all problems at once.
func (c *Config) Validate() error {
	var err error
	for _, e := range c.Entries {
		err = multierr.Append(err, e.Validate())
	}
	for _, d := range c.Defaults {
		err = multierr.Append(err, d.Validate())
	}
	return err
}

// Apply writes the configured entries into m. Later entries replace earlier ones.
func (c *Config) Apply(m *Matrix) error {
	if c == nil {
		return nil
	}
	if err := c.Validate(); err != nil {
		return err
	}
	for _, e := range c.Entries {
		if e.MaxDepth > 0 {
			m.SetConditionalEntry(e.A, e.B, MaxDepth(e.MaxDepth))
			continue
		}
		m.SetEntry(e.A, e.B, e.Allowed)
	}
	for _, d := range c.Defaults {
		if d.MaxDepth > 0 {
			m.SetConditionalDefaultEntry(d.Name, MaxDepth(d.MaxDepth))
			continue
		}
		m.SetDefaultEntry(d.Name, d.Allowed)
	}
	return nil
}
