package metadata

import "sort"

const (
	SortAsc  = "ASC"
	SortDesc = "DESC"
)

type DefaultSort struct {
	Field string `mapstructure:"field" json:"field"`
	Order string `mapstructure:"order" json:"order"`
}

// Include is a LEFT JOIN pulled into every single-row and list read. Joined
// columns are exposed as "<as>_<field>".
type Include struct {
	Table      string   `mapstructure:"table" json:"table"`
	As         string   `mapstructure:"as" json:"as,omitempty"`
	LocalKey   string   `mapstructure:"local_key" json:"local_key"`
	ForeignKey string   `mapstructure:"foreign_key" json:"foreign_key,omitempty"` // defaults to "id"
	Fields     []string `mapstructure:"fields" json:"fields"`
}

// Alias returns the join alias, defaulting to the table name.
func (i Include) Alias() string {
	if i.As != "" {
		return i.As
	}
	return i.Table
}

// TargetKey returns the joined table's key column, defaulting to "id".
func (i Include) TargetKey() string {
	if i.ForeignKey != "" {
		return i.ForeignKey
	}
	return "id"
}

// SystemProtection guards built-in rows (system roles) from edits and
// deletes. Field is the discriminator column, Values the protected values.
type SystemProtection struct {
	Field           string   `mapstructure:"field" json:"field"`
	Values          []string `mapstructure:"values" json:"values"`
	ImmutableFields []string `mapstructure:"immutable_fields" json:"immutable_fields,omitempty"`
	PreventDelete   bool     `mapstructure:"prevent_delete" json:"prevent_delete"`
}

// Protects reports whether a discriminator value is one of the protected values.
func (p *SystemProtection) Protects(value any) bool {
	if p == nil || value == nil {
		return false
	}
	s, ok := value.(string)
	if !ok {
		return false
	}
	for _, v := range p.Values {
		if v == s {
			return true
		}
	}
	return false
}

// Dependent is a child table whose rows reference this entity.
type Dependent struct {
	Entity     string `mapstructure:"entity" json:"entity,omitempty"` // registered entity, enables recursion
	Table      string `mapstructure:"table" json:"table"`
	ForeignKey string `mapstructure:"foreign_key" json:"foreign_key"`
	OnDelete   string `mapstructure:"on_delete" json:"on_delete"` // cascade, set_null, restrict
}

type Entity struct {
	Name                string            `mapstructure:"name" json:"name"`
	TableName           string            `mapstructure:"table_name" json:"table_name"`
	PrimaryKey          string            `mapstructure:"primary_key" json:"primary_key"`
	IdentityField       string            `mapstructure:"identity_field" json:"identity_field,omitempty"`
	Fields              []string          `mapstructure:"fields" json:"fields"`
	SearchableFields    []string          `mapstructure:"searchable_fields" json:"searchable_fields,omitempty"`
	FilterableFields    []string          `mapstructure:"filterable_fields" json:"filterable_fields,omitempty"`
	SortableFields      []string          `mapstructure:"sortable_fields" json:"sortable_fields,omitempty"`
	DefaultSort         DefaultSort       `mapstructure:"default_sort" json:"default_sort"`
	RequiredFields      []string          `mapstructure:"required_fields" json:"required_fields,omitempty"`
	ImmutableFields     []string          `mapstructure:"immutable_fields" json:"immutable_fields,omitempty"`
	SystemManagedFields []string          `mapstructure:"system_managed_fields" json:"system_managed_fields,omitempty"`
	SensitiveFields     []string          `mapstructure:"sensitive_fields" json:"sensitive_fields,omitempty"`
	HashedFields        []string          `mapstructure:"hashed_fields" json:"hashed_fields,omitempty"`
	DefaultIncludes     []Include         `mapstructure:"default_includes" json:"default_includes,omitempty"`
	ActiveField         string            `mapstructure:"active_field" json:"active_field,omitempty"`
	SystemProtected     *SystemProtection `mapstructure:"system_protected" json:"system_protected,omitempty"`
	Dependents          []Dependent       `mapstructure:"dependents" json:"dependents,omitempty"`
	Rules               []Rule            `mapstructure:"rules" json:"rules,omitempty"`
	RLSPolicies         map[string]string `mapstructure:"rls_policies" json:"rls_policies,omitempty"`
	Types               map[string]string `mapstructure:"types" json:"types,omitempty"`
	Audit               *bool             `mapstructure:"audit" json:"audit,omitempty"`
}

// FieldSet is a closed whitelist of column names.
type FieldSet map[string]struct{}

func NewFieldSet(names ...string) FieldSet {
	s := make(FieldSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s FieldSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the members in sorted order.
func (s FieldSet) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (e *Entity) Searchable() FieldSet    { return NewFieldSet(e.SearchableFields...) }
func (e *Entity) Filterable() FieldSet    { return NewFieldSet(e.FilterableFields...) }
func (e *Entity) Sortable() FieldSet      { return NewFieldSet(e.SortableFields...) }
func (e *Entity) Required() FieldSet      { return NewFieldSet(e.RequiredFields...) }
func (e *Entity) Immutable() FieldSet     { return NewFieldSet(e.ImmutableFields...) }
func (e *Entity) SystemManaged() FieldSet { return NewFieldSet(e.SystemManagedFields...) }
func (e *Entity) Sensitive() FieldSet     { return NewFieldSet(e.SensitiveFields...) }
func (e *Entity) Hashed() FieldSet        { return NewFieldSet(e.HashedFields...) }

// Columns is every column the engine may write from caller data.
func (e *Entity) Columns() FieldSet { return NewFieldSet(e.Fields...) }

// Lookupable reports whether field may be used for a single-row lookup.
func (e *Entity) Lookupable(field string) bool {
	if field == e.PrimaryKey || (e.IdentityField != "" && field == e.IdentityField) {
		return true
	}
	for _, f := range e.FilterableFields {
		if f == field {
			return true
		}
	}
	return false
}

// InsertableFields returns the columns accepted on create, in declaration order.
func (e *Entity) InsertableFields() []string {
	system := e.SystemManaged()
	var out []string
	for _, f := range e.Fields {
		if !system.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

// UpdatableFields is Fields minus immutable and system-managed fields.
func (e *Entity) UpdatableFields() FieldSet {
	immutable := e.Immutable()
	system := e.SystemManaged()
	out := FieldSet{}
	for _, f := range e.Fields {
		if f == e.PrimaryKey || immutable.Has(f) || system.Has(f) {
			continue
		}
		out[f] = struct{}{}
	}
	return out
}

// AuditEnabled reports the entity-level audit switch (default on).
func (e *Entity) AuditEnabled() bool {
	return e.Audit == nil || *e.Audit
}

// StripSensitive removes sensitive fields from row in place and returns it.
func (e *Entity) StripSensitive(row map[string]any) map[string]any {
	if row == nil {
		return nil
	}
	for _, f := range e.SensitiveFields {
		delete(row, f)
	}
	return row
}
