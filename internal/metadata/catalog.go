package metadata

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Catalog is an immutable snapshot of every entity definition. A new catalog
// is built on reload and swapped in whole.
type Catalog struct {
	entities map[string]*Entity
	loadedAt time.Time
}

// NewCatalog validates the definitions, fills defaults and indexes them by name.
func NewCatalog(entities []*Entity) (*Catalog, error) {
	c := &Catalog{
		entities: make(map[string]*Entity, len(entities)),
		loadedAt: time.Now().UTC(),
	}
	for _, e := range entities {
		if e == nil {
			continue
		}
		applyDefaults(e)
		if err := Validate(e); err != nil {
			return nil, err
		}
		if _, dup := c.entities[e.Name]; dup {
			return nil, fmt.Errorf("duplicate entity %q", e.Name)
		}
		c.entities[e.Name] = e
	}
	return c, nil
}

// Entity returns the entity with the given name.
func (c *Catalog) Entity(name string) (*Entity, bool) {
	if c == nil {
		return nil, false
	}
	e, ok := c.entities[name]
	return e, ok
}

// Entities returns all entities sorted by name.
func (c *Catalog) Entities() []*Entity {
	if c == nil {
		return nil
	}
	out := make([]*Entity, 0, len(c.entities))
	for _, e := range c.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entities)
}

func (c *Catalog) LoadedAt() time.Time {
	if c == nil {
		return time.Time{}
	}
	return c.loadedAt
}

func applyDefaults(e *Entity) {
	if e.PrimaryKey == "" {
		e.PrimaryKey = "id"
	}
	if e.TableName == "" {
		e.TableName = e.Name
	}
	e.DefaultSort.Order = strings.ToUpper(e.DefaultSort.Order)
}

// Validate checks that every identifier in the definition is safe to splice
// into SQL and that the cross-references are consistent.
func Validate(e *Entity) error {
	if e.Name == "" {
		return fmt.Errorf("entity name is required")
	}
	fail := func(format string, args ...any) error {
		return fmt.Errorf("entity %s: %s", e.Name, fmt.Sprintf(format, args...))
	}

	for _, id := range []string{e.TableName, e.PrimaryKey} {
		if !identPattern.MatchString(id) {
			return fail("invalid identifier %q", id)
		}
	}
	if e.IdentityField != "" && !identPattern.MatchString(e.IdentityField) {
		return fail("invalid identity field %q", e.IdentityField)
	}
	if e.ActiveField != "" && !identPattern.MatchString(e.ActiveField) {
		return fail("invalid active field %q", e.ActiveField)
	}

	lists := map[string][]string{
		"fields":                e.Fields,
		"searchable_fields":     e.SearchableFields,
		"filterable_fields":     e.FilterableFields,
		"sortable_fields":       e.SortableFields,
		"required_fields":       e.RequiredFields,
		"immutable_fields":      e.ImmutableFields,
		"system_managed_fields": e.SystemManagedFields,
		"sensitive_fields":      e.SensitiveFields,
		"hashed_fields":         e.HashedFields,
	}
	for name, list := range lists {
		for _, f := range list {
			if !identPattern.MatchString(f) {
				return fail("%s: invalid identifier %q", name, f)
			}
		}
	}

	columns := e.Columns()
	for _, f := range e.RequiredFields {
		if !columns.Has(f) {
			return fail("required field %q is not listed in fields", f)
		}
	}
	for _, f := range e.HashedFields {
		if !columns.Has(f) {
			return fail("hashed field %q is not listed in fields", f)
		}
	}

	if e.DefaultSort.Field != "" && !identPattern.MatchString(e.DefaultSort.Field) {
		return fail("invalid default sort field %q", e.DefaultSort.Field)
	}
	if o := e.DefaultSort.Order; o != "" && o != SortAsc && o != SortDesc {
		return fail("default sort order must be ASC or DESC, got %q", o)
	}

	for _, inc := range e.DefaultIncludes {
		for _, id := range append([]string{inc.Table, inc.Alias(), inc.LocalKey, inc.TargetKey()}, inc.Fields...) {
			if !identPattern.MatchString(id) {
				return fail("include %s: invalid identifier %q", inc.Table, id)
			}
		}
	}

	if p := e.SystemProtected; p != nil {
		if !identPattern.MatchString(p.Field) {
			return fail("system_protected: invalid field %q", p.Field)
		}
		for _, f := range p.ImmutableFields {
			if !identPattern.MatchString(f) {
				return fail("system_protected: invalid immutable field %q", f)
			}
		}
	}

	for _, d := range e.Dependents {
		if !identPattern.MatchString(d.Table) || !identPattern.MatchString(d.ForeignKey) {
			return fail("dependent %s.%s: invalid identifier", d.Table, d.ForeignKey)
		}
		switch d.OnDelete {
		case "cascade", "set_null", "restrict":
		default:
			return fail("dependent %s: on_delete must be cascade, set_null or restrict", d.Table)
		}
	}

	for i, r := range e.Rules {
		switch r.Type {
		case "field":
			if !identPattern.MatchString(r.Field) {
				return fail("rule %d: invalid field %q", i, r.Field)
			}
			if !fieldRuleOperators[r.Operator] {
				return fail("rule %d: unknown operator %q", i, r.Operator)
			}
		case "expression":
			if strings.TrimSpace(r.Expression) == "" {
				return fail("rule %d: expression is empty", i)
			}
		default:
			return fail("rule %d: unknown type %q", i, r.Type)
		}
	}

	for field := range e.Types {
		if !identPattern.MatchString(field) {
			return fail("types: invalid identifier %q", field)
		}
	}
	return nil
}
