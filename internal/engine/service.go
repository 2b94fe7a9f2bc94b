package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"fieldops-backend/internal/audit"
	"fieldops-backend/internal/logging"
	"fieldops-backend/internal/metadata"
	"fieldops-backend/internal/store"
)

// Auditor is the audit trail collaborator. LogEntityAudit must not fail the
// write it describes.
type Auditor interface {
	IsEnabled(entity string) bool
	LogEntityAudit(ctx context.Context, action, entity string, newRow map[string]any, actx *audit.Context, oldRow map[string]any)
}

// WriteOptions carries the caller identity for the audit trail. A nil Audit
// skips auditing for the call.
type WriteOptions struct {
	Audit *audit.Context
}

type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int64 `json:"totalPages"`
	HasNext    bool  `json:"hasNext"`
	HasPrev    bool  `json:"hasPrev"`
}

type AppliedFilters struct {
	Search          string         `json:"search,omitempty"`
	Filters         map[string]any `json:"filters,omitempty"`
	SortBy          string         `json:"sortBy,omitempty"`
	SortOrder       string         `json:"sortOrder,omitempty"`
	IncludeInactive bool           `json:"includeInactive"`
}

type ListResult struct {
	Data           []map[string]any `json:"data"`
	Pagination     Pagination       `json:"pagination"`
	AppliedFilters AppliedFilters   `json:"appliedFilters"`
}

// Service runs generic CRUD against any entity in the registry. Reads and
// single-row writes use the pool directly; Delete and Batch hold one client
// for their transaction.
type Service struct {
	registry *metadata.Registry
	pool     store.Pool
	cascader Cascader
	auditor  Auditor
}

func NewService(reg *metadata.Registry, pool store.Pool, cascader Cascader, auditor Auditor) *Service {
	return &Service{registry: reg, pool: pool, cascader: cascader, auditor: auditor}
}

func (s *Service) Registry() *metadata.Registry { return s.registry }

func (s *Service) entity(name string) (*metadata.Entity, error) {
	entity := s.registry.GetEntity(name)
	if entity == nil {
		return nil, UnknownEntityError(name)
	}
	return entity, nil
}

// FindByID returns the row with the given primary key, or nil when it does
// not exist or is hidden by RLS.
func (s *Service) FindByID(ctx context.Context, entityName string, id any, rls *RLSContext) (map[string]any, error) {
	entity, err := s.entity(entityName)
	if err != nil {
		return nil, err
	}
	pk, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	return s.findByField(ctx, s.pool, entity, entity.PrimaryKey, pk, rls)
}

// FindByField looks a single row up by the primary key, the identity field
// or any filterable field.
func (s *Service) FindByField(ctx context.Context, entityName, field string, value any, rls *RLSContext) (map[string]any, error) {
	entity, err := s.entity(entityName)
	if err != nil {
		return nil, err
	}
	if !entity.Lookupable(field) {
		return nil, NotFilterableError(entity.Name, field)
	}
	if value == nil {
		return nil, nil
	}
	return s.findByField(ctx, s.pool, entity, field, value, rls)
}

// FindByIdentity looks a row up by the entity's identity field (email, name...).
func (s *Service) FindByIdentity(ctx context.Context, entityName string, value any, rls *RLSContext) (map[string]any, error) {
	entity, err := s.entity(entityName)
	if err != nil {
		return nil, err
	}
	if entity.IdentityField == "" {
		return nil, NewAppError("NO_IDENTITY_FIELD", 400, fmt.Sprintf("Entity has no identity field: %s", entity.Name))
	}
	if value == nil {
		return nil, nil
	}
	return s.findByField(ctx, s.pool, entity, entity.IdentityField, value, rls)
}

func (s *Service) findByField(ctx context.Context, q store.Querier, entity *metadata.Entity, field string, value any, rls *RLSContext) (map[string]any, error) {
	r := applyRLS(rls, entity, 1)
	where := CombineWhereClauses(fmt.Sprintf("%s = $1", column(entity.TableName, field)), r.Clause)
	sql := selectFrom(entity) + whereSQL(where) + " LIMIT 1"

	rows, err := store.QueryRows(ctx, q, sql, CombineParams([]any{value}, r.Params)...)
	if err != nil {
		return nil, fmt.Errorf("find %s by %s: %w", entity.Name, field, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return entity.StripSensitive(rows[0]), nil
}

// FindAll returns one page of rows plus the total matching count.
func (s *Service) FindAll(ctx context.Context, entityName string, opts QueryOptions, rls *RLSContext) (*ListResult, error) {
	entity, err := s.entity(entityName)
	if err != nil {
		return nil, err
	}
	page, limit := normalizePaging(opts.Page, opts.Limit)

	built := BuildQuery(opts, entity)
	r := applyRLS(rls, entity, built.NextOffset)
	where := whereSQL(CombineWhereClauses(built.Where, r.Clause))
	params := CombineParams(built.Params, r.Params)

	countSQL := fmt.Sprintf("SELECT COUNT(*) AS count FROM %s%s", entity.TableName, where)
	countRow, err := store.QueryRow(ctx, s.pool, countSQL, params...)
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", entity.Name, err)
	}
	total, _ := toInt64(countRow["count"])

	n := len(params)
	dataSQL := fmt.Sprintf("%s%s %s LIMIT $%d OFFSET $%d", selectFrom(entity), where, built.OrderBy, n+1, n+2)
	rows, err := store.QueryRows(ctx, s.pool, dataSQL, CombineParams(params, []any{limit, (page - 1) * limit})...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", entity.Name, err)
	}
	data := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		data = append(data, entity.StripSensitive(row))
	}

	totalPages := (total + int64(limit) - 1) / int64(limit)
	return &ListResult{
		Data: data,
		Pagination: Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    int64(page) < totalPages,
			HasPrev:    page > 1,
		},
		AppliedFilters: AppliedFilters{
			Search:          strings.TrimSpace(opts.Search),
			Filters:         opts.Filters,
			SortBy:          opts.SortBy,
			SortOrder:       opts.SortOrder,
			IncludeInactive: opts.IncludeInactive,
		},
	}, nil
}

// filteredWhere composes filters and RLS for the aggregate queries.
func filteredWhere(entity *metadata.Entity, filters map[string]any, rls *RLSContext) (string, []any) {
	f := BuildFilterClause(entity.TableName, filters, entity.Filterable(), 0)
	r := applyRLS(rls, entity, f.NextOffset)
	return whereSQL(CombineWhereClauses(f.Clause, r.Clause)), CombineParams(f.Params, r.Params)
}

// Count returns the number of rows matching filters.
func (s *Service) Count(ctx context.Context, entityName string, filters map[string]any, rls *RLSContext) (int64, error) {
	entity, err := s.entity(entityName)
	if err != nil {
		return 0, err
	}
	where, params := filteredWhere(entity, filters, rls)
	sql := fmt.Sprintf("SELECT COUNT(*) AS count FROM %s%s", entity.TableName, where)

	row, err := store.QueryRow(ctx, s.pool, sql, params...)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", entity.Name, err)
	}
	n, _ := toInt64(row["count"])
	return n, nil
}

// CountGrouped counts matching rows per distinct value of groupBy. NULL
// values are reported under "null".
func (s *Service) CountGrouped(ctx context.Context, entityName, groupBy string, filters map[string]any, rls *RLSContext) (map[string]int64, error) {
	entity, err := s.entity(entityName)
	if err != nil {
		return nil, err
	}
	if !entity.Filterable().Has(groupBy) {
		return nil, NotFilterableError(entity.Name, groupBy)
	}
	where, params := filteredWhere(entity, filters, rls)
	col := column(entity.TableName, groupBy)
	sql := fmt.Sprintf("SELECT %s AS group_value, COUNT(*) AS count FROM %s%s GROUP BY %s",
		col, entity.TableName, where, col)

	rows, err := store.QueryRows(ctx, s.pool, sql, params...)
	if err != nil {
		return nil, fmt.Errorf("count %s by %s: %w", entity.Name, groupBy, err)
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		key := "null"
		if v := row["group_value"]; v != nil {
			key = fmt.Sprintf("%v", v)
		}
		n, _ := toInt64(row["count"])
		out[key] += n
	}
	return out, nil
}

// Sum totals a numeric field over matching rows. An empty set sums to 0.
func (s *Service) Sum(ctx context.Context, entityName, field string, filters map[string]any, rls *RLSContext) (float64, error) {
	entity, err := s.entity(entityName)
	if err != nil {
		return 0, err
	}
	if !entity.Filterable().Has(field) {
		return 0, NotFilterableError(entity.Name, field)
	}
	where, params := filteredWhere(entity, filters, rls)
	sql := fmt.Sprintf("SELECT COALESCE(SUM(%s), 0) AS total FROM %s%s",
		column(entity.TableName, field), entity.TableName, where)

	row, err := store.QueryRow(ctx, s.pool, sql, params...)
	if err != nil {
		return 0, fmt.Errorf("sum %s.%s: %w", entity.Name, field, err)
	}
	if row["total"] == nil {
		return 0, nil
	}
	total, ok := toFloat64(row["total"])
	if !ok {
		return 0, fmt.Errorf("sum %s.%s: unexpected result type %T", entity.Name, field, row["total"])
	}
	return total, nil
}

// Create inserts a row and returns it as stored.
func (s *Service) Create(ctx context.Context, entityName string, data map[string]any, opts WriteOptions) (map[string]any, error) {
	entity, err := s.entity(entityName)
	if err != nil {
		return nil, err
	}
	row, err := s.insert(ctx, s.pool, entity, data)
	if err != nil {
		return nil, err
	}
	if s.auditing(entity, opts.Audit) {
		s.logAudit(ctx, audit.ActionCreate, entity, row, opts.Audit, nil)
	}
	return row, nil
}

func (s *Service) insert(ctx context.Context, q store.Querier, entity *metadata.Entity, data map[string]any) (map[string]any, error) {
	if data == nil {
		return nil, InvalidDataError(entity.Name)
	}

	record := map[string]any{}
	for _, f := range entity.InsertableFields() {
		if v, ok := data[f]; ok {
			record[f] = v
		}
	}

	if missing := missingRequired(entity.RequiredFields, record, false); len(missing) > 0 {
		return nil, MissingRequiredFieldsError(entity.Name, missing)
	}
	if errs := EvaluateRules(entity, record, nil, audit.ActionCreate); len(errs) > 0 {
		return nil, ValidationError(errs)
	}
	if err := hashFields(entity, record); err != nil {
		return nil, err
	}

	var sql string
	var params []any
	if len(record) == 0 {
		sql = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING *", entity.TableName)
	} else {
		pb := newParamBuilder(0)
		var cols, placeholders []string
		for _, f := range entity.InsertableFields() {
			v, ok := record[f]
			if !ok {
				continue
			}
			cols = append(cols, f)
			placeholders = append(placeholders, pb.Add(v))
		}
		sql = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
			entity.TableName, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
		params = pb.params
	}

	row, err := store.QueryRow(ctx, q, sql, params...)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", entity.Name, err)
	}
	return entity.StripSensitive(row), nil
}

// Update writes the updatable fields of data and returns the re-read row, or
// nil when the id does not exist.
func (s *Service) Update(ctx context.Context, entityName string, id any, data map[string]any, opts WriteOptions) (map[string]any, error) {
	entity, err := s.entity(entityName)
	if err != nil {
		return nil, err
	}
	pk, err := ParseID(id)
	if err != nil {
		return nil, err
	}

	auditing := s.auditing(entity, opts.Audit)
	row, old, err := s.update(ctx, s.pool, entity, pk, data, auditing)
	if err != nil || row == nil {
		return nil, err
	}
	if auditing {
		s.logAudit(ctx, audit.ActionUpdate, entity, row, opts.Audit, old)
	}
	return row, nil
}

// update returns the re-read row and, when needOld is set or the entity
// needs it for protection or rules, the row as it was before the write.
func (s *Service) update(ctx context.Context, q store.Querier, entity *metadata.Entity, id int64, data map[string]any, needOld bool) (map[string]any, map[string]any, error) {
	if data == nil {
		return nil, nil, InvalidDataError(entity.Name)
	}

	immutable := entity.Immutable()
	var offending []string
	for k := range data {
		if immutable.Has(k) {
			offending = append(offending, k)
		}
	}
	if len(offending) > 0 {
		sort.Strings(offending)
		return nil, nil, ImmutableFieldError(offending)
	}

	updatable := entity.UpdatableFields()
	writable := map[string]any{}
	for k, v := range data {
		if updatable.Has(k) {
			writable[k] = v
		}
	}
	if len(writable) == 0 {
		return nil, nil, NoUpdateableFieldsError(entity.Name)
	}

	if blank := missingRequired(entity.RequiredFields, writable, true); len(blank) > 0 {
		return nil, nil, MissingRequiredFieldsError(entity.Name, blank)
	}

	var old map[string]any
	if needOld || entity.SystemProtected != nil || len(entity.Rules) > 0 {
		current, err := s.findByField(ctx, q, entity, entity.PrimaryKey, id, nil)
		if err != nil {
			return nil, nil, err
		}
		if current == nil {
			return nil, nil, nil
		}
		old = current
	}

	if p := entity.SystemProtected; p != nil && p.Protects(old[p.Field]) {
		var touched []string
		for _, f := range p.ImmutableFields {
			if _, ok := writable[f]; ok {
				touched = append(touched, f)
			}
		}
		if len(touched) > 0 {
			sort.Strings(touched)
			return nil, nil, SystemProtectedError(fmt.Sprintf("Cannot modify %s on system role: %v",
				strings.Join(touched, ", "), old[p.Field]))
		}
	}

	if errs := EvaluateRules(entity, writable, old, audit.ActionUpdate); len(errs) > 0 {
		return nil, nil, ValidationError(errs)
	}
	if err := hashFields(entity, writable); err != nil {
		return nil, nil, err
	}

	keys := make([]string, 0, len(writable))
	for k := range writable {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pb := newParamBuilder(0)
	sets := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		sets = append(sets, fmt.Sprintf("%s = %s", k, pb.Add(writable[k])))
	}
	if entity.Columns().Has("updated_at") && entity.SystemManaged().Has("updated_at") {
		sets = append(sets, "updated_at = NOW()")
	}
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s RETURNING %s",
		entity.TableName, strings.Join(sets, ", "), entity.PrimaryKey, pb.Add(id), entity.PrimaryKey)

	rows, err := store.QueryRows(ctx, q, sql, pb.params...)
	if err != nil {
		return nil, nil, fmt.Errorf("update %s: %w", entity.Name, err)
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}

	row, err := s.findByField(ctx, q, entity, entity.PrimaryKey, id, nil)
	if err != nil {
		return nil, nil, err
	}
	return row, old, nil
}

// Delete removes a row, and its dependents, in one transaction. It returns
// the deleted row, or nil when the id does not exist.
func (s *Service) Delete(ctx context.Context, entityName string, id any, opts WriteOptions) (map[string]any, error) {
	entity, err := s.entity(entityName)
	if err != nil {
		return nil, err
	}
	pk, err := ParseID(id)
	if err != nil {
		return nil, err
	}

	if err := s.checkDeleteProtection(ctx, s.pool, entity, pk); err != nil {
		return nil, err
	}

	client, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Release()

	if err := begin(ctx, client); err != nil {
		return nil, err
	}

	row, err := s.deleteRow(ctx, client, entity, pk)
	if err != nil {
		rollback(ctx, client)
		return nil, err
	}
	if row == nil {
		rollback(ctx, client)
		return nil, nil
	}

	if err := commit(ctx, client); err != nil {
		rollback(ctx, client)
		return nil, err
	}

	if s.auditing(entity, opts.Audit) {
		s.logAudit(ctx, audit.ActionDelete, entity, nil, opts.Audit, row)
	}
	return row, nil
}

func (s *Service) checkDeleteProtection(ctx context.Context, q store.Querier, entity *metadata.Entity, id int64) error {
	p := entity.SystemProtected
	if p == nil || !p.PreventDelete {
		return nil
	}
	current, err := s.findByField(ctx, q, entity, entity.PrimaryKey, id, nil)
	if err != nil {
		return err
	}
	if current != nil && p.Protects(current[p.Field]) {
		return SystemProtectedError(fmt.Sprintf("Cannot delete system role: %v", current[p.Field]))
	}
	return nil
}

// deleteRow locks the row, cascades to dependents and deletes it on the
// caller's transaction. It never begins or ends a transaction itself.
func (s *Service) deleteRow(ctx context.Context, q store.Querier, entity *metadata.Entity, id int64) (map[string]any, error) {
	lockSQL := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1 FOR UPDATE", entity.PrimaryKey, entity.TableName, entity.PrimaryKey)
	existing, err := store.QueryRows(ctx, q, lockSQL, id)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", entity.Name, err)
	}
	if len(existing) == 0 {
		return nil, nil
	}

	if s.cascader != nil && len(entity.Dependents) > 0 {
		res, err := s.cascader.CascadeDeleteDependents(ctx, q, entity, id)
		if err != nil {
			return nil, err
		}
		if res.TotalDeleted > 0 {
			logging.FromContext(ctx).Debug("cascade delete", "entity", entity.Name, "id", id, "deleted", res.TotalDeleted)
		}
	}

	sql := fmt.Sprintf("DELETE FROM %s WHERE %s = $1 RETURNING *", entity.TableName, entity.PrimaryKey)
	row, err := store.QueryRow(ctx, q, sql, id)
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", entity.Name, err)
	}
	return entity.StripSensitive(row), nil
}

func (s *Service) auditing(entity *metadata.Entity, actx *audit.Context) bool {
	return actx != nil && s.auditor != nil && entity.AuditEnabled() && s.auditor.IsEnabled(entity.Name)
}

// logAudit hands one write to the auditor, keyed by the entity's primary key.
func (s *Service) logAudit(ctx context.Context, action string, entity *metadata.Entity, newRow map[string]any, actx *audit.Context, oldRow map[string]any) {
	s.auditor.LogEntityAudit(ctx, action, entity.Name, newRow, actx.ForRecordKey(entity.PrimaryKey), oldRow)
}

// missingRequired lists required fields that are absent or blank, sorted.
func missingRequired(required []string, record map[string]any, presentOnly bool) []string {
	var missing []string
	for _, f := range required {
		v, ok := record[f]
		if !ok && presentOnly {
			continue
		}
		if !ok || isBlank(v) {
			missing = append(missing, f)
		}
	}
	sort.Strings(missing)
	return missing
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func begin(ctx context.Context, q store.Querier) error {
	if _, err := q.Exec(ctx, "BEGIN"); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	return nil
}

func commit(ctx context.Context, q store.Querier) error {
	if _, err := q.Exec(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit: %w", store.MapError(err))
	}
	return nil
}

func rollback(ctx context.Context, q store.Querier) {
	if _, err := q.Exec(ctx, "ROLLBACK"); err != nil {
		logging.FromContext(ctx).Warn("rollback failed", "error", err)
	}
}
