// Package devicecfg holds the device command table: which commands each
// sensor model answers, which response fields they carry and how those
// fields are grouped.
package devicecfg

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Command describes one pull command of a sensor model.
type Command struct {
	Name   string   `yaml:"name"`
	Group  string   `yaml:"group"`
	Fields []string `yaml:"fields"`
}

// Model lists the ordered commands a sensor model answers.
type Model struct {
	Commands []Command `yaml:"commands"`
}

// Table is the decoded command table file.
type Table struct {
	Models map[string]Model `yaml:"models"`
}

// Lookup is the read-only view the command channel consumes.
type Lookup interface {
	// Commands returns the ordered commands configured for model.
	Commands(model string) ([]Command, bool)
	// Command returns the entry for (model, command).
	Command(model, command string) (Command, bool)
}

// Parse decodes and validates a command table.
func Parse(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse command table: %w", err)
	}
	normalized := make(map[string]Model, len(t.Models))
	for name, m := range t.Models {
		if len(m.Commands) == 0 {
			return nil, fmt.Errorf("model %q has no commands", name)
		}
		for i, c := range m.Commands {
			if c.Name == "" || c.Group == "" {
				return nil, fmt.Errorf("model %q command %d needs a name and a group", name, i)
			}
			if len(c.Fields) == 0 {
				return nil, fmt.Errorf("model %q command %q has no expected fields", name, c.Name)
			}
		}
		normalized[strings.ToUpper(name)] = m
	}
	t.Models = normalized
	return &t, nil
}

// Load reads and parses the table at path.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read command table: %w", err)
	}
	return Parse(data)
}

// Commands implements Lookup. Model names match case-insensitively.
func (t *Table) Commands(model string) ([]Command, bool) {
	m, ok := t.Models[strings.ToUpper(model)]
	if !ok {
		return nil, false
	}
	return m.Commands, true
}

// Command implements Lookup.
func (t *Table) Command(model, command string) (Command, bool) {
	cmds, ok := t.Commands(model)
	if !ok {
		return Command{}, false
	}
	for _, c := range cmds {
		if c.Name == command {
			return c, true
		}
	}
	return Command{}, false
}

// Store holds the current table and swaps it atomically on reload.
type Store struct {
	current atomic.Pointer[Table]
}

// NewStore creates a store serving t.
func NewStore(t *Table) *Store {
	s := &Store{}
	s.current.Store(t)
	return s
}

// Table returns the table currently served.
func (s *Store) Table() *Table {
	return s.current.Load()
}

// Replace swaps in a new table.
func (s *Store) Replace(t *Table) {
	s.current.Store(t)
}

func (s *Store) Commands(model string) ([]Command, bool) {
	return s.Table().Commands(model)
}

func (s *Store) Command(model, command string) (Command, bool) {
	return s.Table().Command(model, command)
}
