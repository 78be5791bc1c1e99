package research

import (
	"context"
	"sort"
	"sync"
)

// CompanyDirectory provides the identity and context records used to
// populate query variables.
type CompanyDirectory interface {
	Lookup(ctx context.Context, id string) (Company, bool, error)
}

// StaticDirectory is an in-memory CompanyDirectory seeded at startup.
type StaticDirectory struct {
	mu        sync.RWMutex
	companies map[string]Company
}

// NewStaticDirectory builds a directory from the given companies.
func NewStaticDirectory(companies ...Company) *StaticDirectory {
	d := &StaticDirectory{companies: make(map[string]Company, len(companies))}
	for _, c := range companies {
		d.companies[c.ID] = c
	}
	return d
}

// Register adds or replaces a company record.
func (d *StaticDirectory) Register(c Company) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.companies[c.ID] = c
}

// Lookup finds a company by id.
func (d *StaticDirectory) Lookup(ctx context.Context, id string) (Company, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.companies[id]
	return c, ok, nil
}

// List returns all registered companies sorted by id.
func (d *StaticDirectory) List() []Company {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Company, 0, len(d.companies))
	for _, c := range d.companies {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// VariablesFromCompany seeds a variable binding from a directory record.
func VariablesFromCompany(c Company) Variables {
	return Variables{
		CompanyName: c.Name,
		Industry:    c.Industry,
		Size:        c.Size,
		Stage:       c.Stage,
		Location:    c.Location,
	}
}
