package engine

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"fieldops-backend/internal/metadata"
)

const (
	DefaultPage  = 1
	DefaultLimit = 25
	MaxLimit     = 100
)

// filterOperators is the fixed evaluation order for operator objects.
var filterOperators = []string{"gt", "gte", "lt", "lte", "not", "in"}

var comparisonSQL = map[string]string{
	"gt":  ">",
	"gte": ">=",
	"lt":  "<",
	"lte": "<=",
	"not": "!=",
}

// Fragment is a piece of a WHERE clause with its positional parameters.
// Placeholders in Clause start at the offset passed to the builder plus one;
// NextOffset is the offset the next builder should continue from.
type Fragment struct {
	Clause     string
	Params     []any
	NextOffset int
}

func (f Fragment) Empty() bool { return f.Clause == "" }

// QueryOptions are the caller-controlled inputs of a list query.
type QueryOptions struct {
	Search          string         `json:"search,omitempty"`
	Filters         map[string]any `json:"filters,omitempty"`
	SortBy          string         `json:"sortBy,omitempty"`
	SortOrder       string         `json:"sortOrder,omitempty"`
	Page            int            `json:"page,omitempty"`
	Limit           int            `json:"limit,omitempty"`
	IncludeInactive bool           `json:"includeInactive,omitempty"`
}

// BuiltQuery is the output of BuildQuery. Where has no leading keyword.
type BuiltQuery struct {
	Where      string
	Params     []any
	OrderBy    string
	NextOffset int
}

type paramBuilder struct {
	params []any
	n      int
}

func newParamBuilder(offset int) *paramBuilder {
	return &paramBuilder{n: offset}
}

func (p *paramBuilder) Add(v any) string {
	p.n++
	p.params = append(p.params, v)
	return fmt.Sprintf("$%d", p.n)
}

func (p *paramBuilder) fragment(clause string) Fragment {
	if clause == "" {
		return Fragment{NextOffset: p.n}
	}
	return Fragment{Clause: clause, Params: p.params, NextOffset: p.n}
}

func column(table, field string) string {
	return table + "." + field
}

// BuildSearchClause ORs a case-insensitive substring match across the
// searchable fields.
func BuildSearchClause(table, term string, searchable []string, offset int) Fragment {
	term = strings.TrimSpace(term)
	if term == "" || len(searchable) == 0 {
		return Fragment{NextOffset: offset}
	}

	pb := newParamBuilder(offset)
	pattern := "%" + term + "%"
	parts := make([]string, len(searchable))
	for i, f := range searchable {
		parts[i] = fmt.Sprintf("%s::text ILIKE %s", column(table, f), pb.Add(pattern))
	}
	return pb.fragment("(" + strings.Join(parts, " OR ") + ")")
}

// BuildFilterClause turns a filter object into ANDed predicates. Keys outside
// filterable are dropped without error.
func BuildFilterClause(table string, filters map[string]any, filterable metadata.FieldSet, offset int) Fragment {
	if len(filters) == 0 || len(filterable) == 0 {
		return Fragment{NextOffset: offset}
	}

	keys := make([]string, 0, len(filters))
	for k := range filters {
		if filterable.Has(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	pb := newParamBuilder(offset)
	var parts []string
	for _, k := range keys {
		col := column(table, k)
		switch v := filters[k].(type) {
		case nil:
			parts = append(parts, col+" IS NULL")
		case map[string]any:
			parts = append(parts, operatorPredicates(col, v, pb)...)
		default:
			if values, ok := asList(v); ok {
				parts = append(parts, inPredicate(col, values, pb))
				continue
			}
			parts = append(parts, fmt.Sprintf("%s = %s", col, pb.Add(v)))
		}
	}
	return pb.fragment(strings.Join(parts, " AND "))
}

func operatorPredicates(col string, ops map[string]any, pb *paramBuilder) []string {
	var parts []string
	for _, op := range filterOperators {
		v, ok := ops[op]
		if !ok {
			continue
		}
		switch op {
		case "in":
			values, ok := asList(v)
			if !ok {
				if s, isStr := v.(string); isStr {
					values = splitList(s)
				} else if v != nil {
					values = []any{v}
				}
			}
			parts = append(parts, inPredicate(col, values, pb))
		case "not":
			if v == nil {
				parts = append(parts, col+" IS NOT NULL")
				continue
			}
			parts = append(parts, fmt.Sprintf("%s != %s", col, pb.Add(v)))
		default:
			if v == nil {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s %s %s", col, comparisonSQL[op], pb.Add(v)))
		}
	}
	return parts
}

func inPredicate(col string, values []any, pb *paramBuilder) string {
	var placeholders []string
	for _, v := range values {
		if v == nil {
			continue
		}
		placeholders = append(placeholders, pb.Add(v))
	}
	if len(placeholders) == 0 {
		return "1=0"
	}
	return fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ", "))
}

// asList reports whether v is a slice (other than []byte) and flattens it.
func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func splitList(s string) []any {
	var out []any
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// BuildSortClause always yields an ORDER BY over a whitelisted column. Input
// that is not whitelisted falls back to the default sort, then the first
// sortable field, then id.
func BuildSortClause(table, sortBy, sortOrder string, sortable []string, def metadata.DefaultSort) string {
	field := ""
	if sortBy != "" && metadata.NewFieldSet(sortable...).Has(sortBy) {
		field = sortBy
	}
	if field == "" {
		switch {
		case def.Field != "":
			field = def.Field
		case len(sortable) > 0:
			field = sortable[0]
		default:
			field = "id"
		}
	}

	order := strings.ToUpper(strings.TrimSpace(sortOrder))
	if order != metadata.SortAsc && order != metadata.SortDesc {
		order = strings.ToUpper(def.Order)
		if order != metadata.SortAsc && order != metadata.SortDesc {
			order = metadata.SortDesc
		}
	}
	return fmt.Sprintf("ORDER BY %s %s", column(table, field), order)
}

// CombineWhereClauses ANDs the non-empty clauses.
func CombineWhereClauses(clauses ...string) string {
	var parts []string
	for _, c := range clauses {
		if strings.TrimSpace(c) != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, " AND ")
}

// CombineParams concatenates parameter lists in order.
func CombineParams(lists ...[]any) []any {
	out := []any{}
	for _, l := range lists {
		if l == nil {
			continue
		}
		out = append(out, l...)
	}
	return out
}

// BuildQuery composes search, filters and the active flag for a list query.
// RLS is appended by the caller starting at NextOffset.
func BuildQuery(opts QueryOptions, entity *metadata.Entity) BuiltQuery {
	table := entity.TableName
	search := BuildSearchClause(table, opts.Search, entity.SearchableFields, 0)
	filters := BuildFilterClause(table, opts.Filters, entity.Filterable(), search.NextOffset)

	active := ""
	if entity.ActiveField != "" && !opts.IncludeInactive {
		active = column(table, entity.ActiveField) + " = true"
	}

	return BuiltQuery{
		Where:      CombineWhereClauses(search.Clause, filters.Clause, active),
		Params:     CombineParams(search.Params, filters.Params),
		OrderBy:    BuildSortClause(table, opts.SortBy, opts.SortOrder, entity.SortableFields, entity.DefaultSort),
		NextOffset: filters.NextOffset,
	}
}

func whereSQL(cond string) string {
	if cond == "" {
		return ""
	}
	return " WHERE " + cond
}

// normalizePaging clamps page and limit into their valid ranges.
func normalizePaging(page, limit int) (int, int) {
	if page < 1 {
		page = DefaultPage
	}
	if limit < 1 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return page, limit
}

// ParseQueryParams reads list options from the query string:
// search, sort_by, sort_order, page, limit, include_inactive,
// filter[field]=v and filter[field.op]=v.
func ParseQueryParams(c *fiber.Ctx, entity *metadata.Entity) (QueryOptions, error) {
	opts := QueryOptions{
		Search:    c.Query("search"),
		SortBy:    c.Query("sort_by"),
		SortOrder: c.Query("sort_order"),
		Page:      DefaultPage,
		Limit:     DefaultLimit,
	}

	if p := c.Query("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil {
			opts.Page = v
		}
	}
	if l := c.Query("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil {
			opts.Limit = v
		}
	}
	opts.Page, opts.Limit = normalizePaging(opts.Page, opts.Limit)
	opts.IncludeInactive = c.QueryBool("include_inactive", false)

	filters, err := ParseFilterParams(c.Queries(), entity)
	if err != nil {
		return opts, err
	}
	opts.Filters = filters
	return opts, nil
}

// ParseFilterParams extracts filter[...] keys from a query map. Keys are read
// in sorted order. A field may carry either a plain value or operators, never
// both.
func ParseFilterParams(queries map[string]string, entity *metadata.Entity) (map[string]any, error) {
	keys := make([]string, 0, len(queries))
	for key := range queries {
		if strings.HasPrefix(key, "filter[") && strings.HasSuffix(key, "]") {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	filters := map[string]any{}
	plain := map[string]bool{}
	for _, key := range keys {
		field, op := parseFilterKey(key[7 : len(key)-1])

		coerced, err := coerceValue(entity.Types[field], queries[key], op)
		if err != nil {
			return nil, invalidFilterError(fmt.Sprintf("Invalid filter value for %s: %v", field, err))
		}

		_, seen := filters[field]
		if seen && (op == "eq" || plain[field]) {
			return nil, invalidFilterError(fmt.Sprintf("Filter on %s mixes a plain value with operators", field))
		}
		if op == "eq" {
			filters[field] = coerced
			plain[field] = true
			continue
		}
		ops, _ := filters[field].(map[string]any)
		if ops == nil {
			ops = map[string]any{}
			filters[field] = ops
		}
		ops[op] = coerced
	}
	return filters, nil
}

func invalidFilterError(msg string) *AppError {
	return &AppError{Code: "INVALID_PAYLOAD", Status: 400, Message: msg}
}

// parseFilterKey splits "total.gte" into ("total", "gte") or "status" into ("status", "eq").
func parseFilterKey(key string) (string, string) {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return key, "eq"
}

// coerceValue converts a query-string value using the declared field type.
// "null" becomes nil so filter[x]=null maps to IS NULL.
func coerceValue(fieldType, val, op string) (any, error) {
	if val == "null" {
		return nil, nil
	}
	if op == "in" {
		parts := strings.Split(val, ",")
		coerced := make([]any, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			v, err := coerceSingleValue(fieldType, p)
			if err != nil {
				return nil, err
			}
			coerced = append(coerced, v)
		}
		return coerced, nil
	}
	return coerceSingleValue(fieldType, val)
}

func coerceSingleValue(fieldType, val string) (any, error) {
	switch fieldType {
	case "int", "integer", "bigint":
		return strconv.ParseInt(val, 10, 64)
	case "decimal", "float", "number":
		return strconv.ParseFloat(val, 64)
	case "boolean", "bool":
		return strconv.ParseBool(val)
	default:
		return val, nil
	}
}
