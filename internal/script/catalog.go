package script

import (
	"errors"
	"fmt"

	"github.com/stagehand-project/stagehand/internal/protocol"
)

var (
	// ErrDuplicateExport is returned when an export name is added twice.
	ErrDuplicateExport = errors.New("duplicate export name")
	// ErrDanglingReference is returned when a script names a missing entry.
	ErrDanglingReference = errors.New("script references unknown export")
)

// CatalogEntry is one distinct packet content. Binary entries keep the raw
// body and leave Params nil; the replay side decodes them on demand.
type CatalogEntry struct {
	ExportName string          `json:"export_name"`
	SourceName string          `json:"source_name"`
	IsBinary   bool            `json:"is_binary"`
	Params     protocol.Params `json:"params,omitempty"`
	Raw        []byte          `json:"raw,omitempty"`
}

// Catalog is an ordered set of entries keyed by export name. It is built once
// during generation and only read afterwards.
type Catalog struct {
	entries []*CatalogEntry
	index   map[string]*CatalogEntry
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{index: make(map[string]*CatalogEntry)}
}

// Add appends an entry.
func (c *Catalog) Add(e CatalogEntry) error {
	if e.ExportName == "" {
		return fmt.Errorf("catalog entry for %s has no export name", e.SourceName)
	}
	if _, ok := c.index[e.ExportName]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateExport, e.ExportName)
	}
	if e.IsBinary && len(e.Raw) == 0 {
		return fmt.Errorf("binary catalog entry %s has no body", e.ExportName)
	}

	entry := e
	c.entries = append(c.entries, &entry)
	c.index[e.ExportName] = &entry
	return nil
}

// Get returns the entry for an export name. Callers must not modify it.
func (c *Catalog) Get(exportName string) (*CatalogEntry, bool) {
	e, ok := c.index[exportName]
	return e, ok
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// Entries returns the entries in insertion order.
func (c *Catalog) Entries() []*CatalogEntry {
	out := make([]*CatalogEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// BinaryCount returns how many entries are stored as raw bodies.
func (c *Catalog) BinaryCount() int {
	n := 0
	for _, e := range c.entries {
		if e.IsBinary {
			n++
		}
	}
	return n
}
