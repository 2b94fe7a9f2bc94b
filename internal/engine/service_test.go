package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"fieldops-backend/internal/metadata"
)

func TestService_InvalidIDNeverQueries(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.FindByID(ctx, "work_order", "abc", nil)
	require.ErrorIs(t, err, ErrInvalidID)
	_, err = svc.Update(ctx, "work_order", "0", map[string]any{"status": "closed"}, WriteOptions{})
	require.ErrorIs(t, err, ErrInvalidID)
	_, err = svc.Delete(ctx, "work_order", -1, WriteOptions{})
	require.ErrorIs(t, err, ErrInvalidID)

	assert.Empty(t, db.Calls())
	assert.Zero(t, db.Acquired())
}

func TestService_UnknownEntity(t *testing.T) {
	svc, db, _ := newTestService(t)

	_, err := svc.FindAll(context.Background(), "spaceship", QueryOptions{}, nil)
	require.ErrorIs(t, err, ErrUnknownEntity)
	assert.Contains(t, err.Error(), "spaceship")
	assert.Empty(t, db.Calls())
}

func TestService_CreateThenFind(t *testing.T) {
	svc, db, aud := newTestService(t)
	ctx := context.Background()

	db.On("INSERT INTO work_orders", workOrderCols, workOrderRow(7, "open"))
	db.On("FROM work_orders WHERE work_orders.id = $1", workOrderCols, workOrderRow(7, "open"))

	created, err := svc.Create(ctx, "work_order", map[string]any{
		"title":       "Replace boiler valve",
		"customer_id": 3,
		"total":       180.5,
		"id":          99,
		"created_at":  "2020-01-01",
		"nickname":    "ignored",
	}, WriteOptions{Audit: adminAudit()})
	require.NoError(t, err)

	insert, ok := db.Find("INSERT INTO")
	require.True(t, ok)
	assert.Equal(t, "INSERT INTO work_orders (title, customer_id, total) VALUES ($1, $2, $3) RETURNING *", insert.SQL)
	assert.Equal(t, []any{"Replace boiler valve", 3, 180.5}, insert.Args)

	found, err := svc.FindByID(ctx, "work_order", created["id"], nil)
	require.NoError(t, err)
	assert.Equal(t, created, found)

	calls := aud.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "create", calls[0].action)
	assert.Equal(t, "work_order", calls[0].entity)
	assert.Nil(t, calls[0].oldRow)
}

func TestService_CreateValidation(t *testing.T) {
	svc, db, aud := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "work_order", map[string]any{"title": "  "}, WriteOptions{Audit: adminAudit()})
	require.ErrorIs(t, err, ErrMissingRequiredFields)
	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 422, appErr.Status)
	require.Len(t, appErr.Details, 2)
	assert.Equal(t, "customer_id", appErr.Details[0].Field)
	assert.Equal(t, "title", appErr.Details[1].Field)

	_, err = svc.Create(ctx, "work_order", map[string]any{"title": "x", "customer_id": 3, "total": -10}, WriteOptions{})
	require.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, err.(*AppError).Details[0].Message, "total must not be negative")

	_, err = svc.Create(ctx, "work_order", nil, WriteOptions{})
	require.ErrorIs(t, err, ErrInvalidData)

	assert.Empty(t, db.Calls())
	assert.Empty(t, aud.recorded())
}

func TestService_CreateHashesAndStripsSecrets(t *testing.T) {
	svc, db, _ := newTestService(t)

	db.On("INSERT INTO users", []string{"id", "email", "password_hash", "is_active"},
		[]any{int64(5), "ann@example.com", "$2a$10$stored", true})

	row, err := svc.Create(context.Background(), "user", map[string]any{
		"email":         "ann@example.com",
		"password_hash": "hunter22",
	}, WriteOptions{})
	require.NoError(t, err)
	assert.NotContains(t, row, "password_hash")
	assert.Equal(t, "ann@example.com", row["email"])

	insert, ok := db.Find("INSERT INTO users")
	require.True(t, ok)
	require.Len(t, insert.Args, 2)
	hash, _ := insert.Args[1].(string)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter22")))
}

func TestService_FindAllPagination(t *testing.T) {
	svc, db, _ := newTestService(t)

	db.On("SELECT COUNT(*) AS count FROM work_orders", []string{"count"}, []any{int64(100)})
	db.On("SELECT work_orders.* FROM work_orders", workOrderCols, workOrderRow(51, "open"), workOrderRow(52, "open"))

	res, err := svc.FindAll(context.Background(), "work_order", QueryOptions{Page: 2, Limit: 50}, &RLSContext{Policy: PolicyAllRecords})
	require.NoError(t, err)

	assert.Equal(t, Pagination{Page: 2, Limit: 50, Total: 100, TotalPages: 2, HasNext: false, HasPrev: true}, res.Pagination)
	assert.Len(t, res.Data, 2)

	data, ok := db.Find("SELECT work_orders.*")
	require.True(t, ok)
	assert.Equal(t, "SELECT work_orders.* FROM work_orders ORDER BY work_orders.created_at DESC LIMIT $1 OFFSET $2", data.SQL)
	assert.Equal(t, []any{50, 50}, data.Args)
}

func TestService_FindAllComposesSearchFiltersAndRLS(t *testing.T) {
	svc, db, _ := newTestService(t)

	db.On("SELECT COUNT(*)", []string{"count"}, []any{int64(1)})
	db.On("SELECT work_orders.*", workOrderCols, workOrderRow(8, "open"))

	rls := RLSFor(svc.Registry().GetEntity("work_order"), &metadata.UserContext{ID: 42, Role: "technician"})
	res, err := svc.FindAll(context.Background(), "work_order", QueryOptions{
		Search:  "pump",
		Filters: map[string]any{"status": "open", "priority": map[string]any{"gte": 2}, "secret_notes": "x"},
	}, rls)
	require.NoError(t, err)

	where := " WHERE (work_orders.title::text ILIKE $1) AND work_orders.priority >= $2 AND work_orders.status = $3 AND work_orders.assigned_technician_id = $4"
	count, _ := db.Find("SELECT COUNT(*)")
	assert.Equal(t, "SELECT COUNT(*) AS count FROM work_orders"+where, count.SQL)
	assert.Equal(t, []any{"%pump%", 2, "open", int64(42)}, count.Args)

	data, _ := db.Find("SELECT work_orders.*")
	assert.Equal(t, "SELECT work_orders.* FROM work_orders"+where+" ORDER BY work_orders.created_at DESC LIMIT $5 OFFSET $6", data.SQL)
	assert.Equal(t, []any{"%pump%", 2, "open", int64(42), 25, 0}, data.Args)

	assert.Equal(t, "pump", res.AppliedFilters.Search)
	assert.Equal(t, int64(1), res.Pagination.Total)
	assert.False(t, res.Pagination.HasPrev)
}

func TestService_ActiveFlagIncludesAndSensitiveFields(t *testing.T) {
	svc, db, _ := newTestService(t)

	db.On("SELECT COUNT(*)", []string{"count"}, []any{int64(1)})
	db.On("SELECT users.*", []string{"id", "email", "password_hash", "role_name"},
		[]any{int64(5), "ann@example.com", "$2a$10$secret", "technician"})

	res, err := svc.FindAll(context.Background(), "user", QueryOptions{}, nil)
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	assert.NotContains(t, res.Data[0], "password_hash")
	assert.Equal(t, "technician", res.Data[0]["role_name"])

	data, _ := db.Find("SELECT users.*")
	assert.True(t, strings.HasPrefix(data.SQL,
		`SELECT users.*, "role".name AS "role_name" FROM users LEFT JOIN roles AS "role" ON "role".id = users.role_id WHERE users.is_active = true`),
		data.SQL)

	_, err = svc.FindAll(context.Background(), "user", QueryOptions{IncludeInactive: true}, nil)
	require.NoError(t, err)
	calls := db.Calls()
	assert.NotContains(t, calls[len(calls)-1].SQL, "is_active")
}

func TestService_DenyAllReturnsNothing(t *testing.T) {
	svc, db, _ := newTestService(t)
	entity := svc.Registry().GetEntity("work_order")

	db.On("SELECT COUNT(*)", []string{"count"}, []any{int64(0)})

	n, err := svc.Count(context.Background(), "work_order", nil, RLSFor(entity, &metadata.UserContext{ID: 5, Role: "guest"}))
	require.NoError(t, err)
	assert.Zero(t, n)

	count, _ := db.Find("SELECT COUNT(*)")
	assert.Equal(t, "SELECT COUNT(*) AS count FROM work_orders WHERE 1=0", count.SQL)

	// A policy name nobody implements is treated the same way
	_, err = svc.Count(context.Background(), "work_order", nil, RLSFor(entity, &metadata.UserContext{ID: 5, Role: "auditor"}))
	require.NoError(t, err)
	calls := db.Calls()
	assert.Contains(t, calls[len(calls)-1].SQL, "1=0")
}

func TestService_FindByIDHonoursRLS(t *testing.T) {
	svc, db, _ := newTestService(t)

	row, err := svc.FindByID(context.Background(), "work_order", "8", &RLSContext{Policy: PolicyOwnWorkOrdersOnly, UserID: 3})
	require.NoError(t, err)
	assert.Nil(t, row)

	call, _ := db.Find("SELECT work_orders.*")
	assert.Equal(t, "SELECT work_orders.* FROM work_orders WHERE work_orders.id = $1 AND work_orders.customer_id = $2 LIMIT 1", call.SQL)
	assert.Equal(t, []any{int64(8), int64(3)}, call.Args)
}

func TestService_FindByFieldAndIdentity(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.FindByField(ctx, "work_order", "title", "x", nil)
	require.ErrorIs(t, err, ErrNotFilterable)

	row, err := svc.FindByField(ctx, "work_order", "status", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, row)

	_, err = svc.FindByIdentity(ctx, "work_order", "x", nil)
	require.Error(t, err)
	assert.Equal(t, "NO_IDENTITY_FIELD", err.(*AppError).Code)
	assert.Empty(t, db.Calls())

	db.On("FROM users", []string{"id", "email", "password_hash"}, []any{int64(5), "ann@example.com", "secret"})
	row, err = svc.FindByIdentity(ctx, "user", "ann@example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": int64(5), "email": "ann@example.com"}, row)

	call, _ := db.Find("FROM users")
	assert.Contains(t, call.SQL, "WHERE users.email = $1 LIMIT 1")
}

func TestService_Aggregates(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	db.On("GROUP BY", []string{"group_value", "count"}, []any{"open", int64(3)}, []any{nil, int64(2)})
	db.Once("SUM(", []string{"total"}, []any{250.5})
	db.On("SUM(", []string{"total"}, []any{nil})

	groups, err := svc.CountGrouped(ctx, "work_order", "status", map[string]any{"priority": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"open": 3, "null": 2}, groups)
	grouped, _ := db.Find("GROUP BY")
	assert.Equal(t, "SELECT work_orders.status AS group_value, COUNT(*) AS count FROM work_orders WHERE work_orders.priority = $1 GROUP BY work_orders.status", grouped.SQL)

	total, err := svc.Sum(ctx, "work_order", "total", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 250.5, total)

	total, err = svc.Sum(ctx, "work_order", "total", nil, nil)
	require.NoError(t, err)
	assert.Zero(t, total)

	_, err = svc.Sum(ctx, "work_order", "title", nil, nil)
	require.ErrorIs(t, err, ErrNotFilterable)
	_, err = svc.CountGrouped(ctx, "work_order", "title", nil, nil)
	require.ErrorIs(t, err, ErrNotFilterable)
}

func TestService_UpdateRejectsImmutableBeforeWriting(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Update(ctx, "work_order", 7, map[string]any{"title": "x", "customer_id": 9}, WriteOptions{})
	require.ErrorIs(t, err, ErrImmutableFieldViolation)
	assert.Contains(t, err.Error(), "customer_id")

	_, err = svc.Update(ctx, "work_order", 7, map[string]any{"created_at": "2020-01-01", "nickname": "x"}, WriteOptions{})
	require.ErrorIs(t, err, ErrNoUpdateableFields)

	_, err = svc.Update(ctx, "work_order", 7, map[string]any{"title": ""}, WriteOptions{})
	require.ErrorIs(t, err, ErrMissingRequiredFields)

	assert.Empty(t, db.Calls())
}

func TestService_UpdateReturnsRereadRow(t *testing.T) {
	svc, db, aud := newTestService(t)

	db.Once("FROM work_orders WHERE work_orders.id = $1", workOrderCols, workOrderRow(7, "open"))
	db.On("FROM work_orders WHERE work_orders.id = $1", workOrderCols, workOrderRow(7, "closed"))
	db.On("UPDATE work_orders", []string{"id"}, []any{int64(7)})

	row, err := svc.Update(context.Background(), "work_order", "7", map[string]any{"status": "closed", "id": 100}, WriteOptions{Audit: adminAudit()})
	require.NoError(t, err)
	assert.Equal(t, "closed", row["status"])

	update, _ := db.Find("UPDATE work_orders")
	assert.Equal(t, "UPDATE work_orders SET status = $1, updated_at = NOW() WHERE id = $2 RETURNING id", update.SQL)
	assert.Equal(t, []any{"closed", int64(7)}, update.Args)

	calls := aud.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "update", calls[0].action)
	assert.Equal(t, "open", calls[0].oldRow["status"])
	assert.Equal(t, "closed", calls[0].newRow["status"])
}

func TestService_UpdateMissingRow(t *testing.T) {
	svc, db, aud := newTestService(t)

	row, err := svc.Update(context.Background(), "work_order", 404, map[string]any{"status": "closed"}, WriteOptions{Audit: adminAudit()})
	require.NoError(t, err)
	assert.Nil(t, row)
	assert.Zero(t, db.Writes())
	assert.Empty(t, aud.recorded())
}

func TestService_SystemProtection(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	db.On("FROM roles WHERE roles.id = $1", []string{"id", "name", "description"}, []any{int64(1), "admin", "Administrators"})
	db.On("UPDATE roles", []string{"id"}, []any{int64(1)})

	_, err := svc.Update(ctx, "role", 1, map[string]any{"name": "superuser"}, WriteOptions{})
	require.ErrorIs(t, err, ErrSystemProtected)
	assert.Equal(t, "Cannot modify name on system role: admin", err.Error())
	assert.Zero(t, db.Writes())

	_, err = svc.Delete(ctx, "role", 1, WriteOptions{})
	require.ErrorIs(t, err, ErrSystemProtected)
	assert.Equal(t, "Cannot delete system role: admin", err.Error())
	assert.Zero(t, db.Acquired())

	_, err = svc.Update(ctx, "role", 1, map[string]any{"description": "Full access"}, WriteOptions{})
	require.NoError(t, err)
	update, _ := db.Find("UPDATE roles")
	assert.Equal(t, "UPDATE roles SET description = $1, updated_at = NOW() WHERE id = $2 RETURNING id", update.SQL)
}

func TestService_DeleteMissingRowRollsBack(t *testing.T) {
	svc, db, aud := newTestService(t)

	row, err := svc.Delete(context.Background(), "work_order", 5, WriteOptions{Audit: adminAudit()})
	require.NoError(t, err)
	assert.Nil(t, row)

	assert.Equal(t, []string{"BEGIN", "SELECT id FROM work_orders WHERE id = $1 FOR UPDATE", "ROLLBACK"}, db.SQL())
	assert.Zero(t, db.Count("COMMIT"))
	assert.True(t, db.Balanced())
	assert.Empty(t, aud.recorded())
}

func TestService_DeleteCascadesInOneTransaction(t *testing.T) {
	svc, db, aud := newTestService(t)

	db.On("FOR UPDATE", []string{"id"}, []any{int64(5)})
	db.On("SELECT id FROM invoices WHERE work_order_id = $1", []string{"id"}, []any{int64(11)}, []any{int64(12)})
	db.Tag("DELETE FROM invoice_line_items", "DELETE 3")
	db.Tag("DELETE FROM invoices", "DELETE 2")
	db.On("DELETE FROM work_orders", workOrderCols, workOrderRow(5, "cancelled"))

	row, err := svc.Delete(context.Background(), "work_order", "5", WriteOptions{Audit: adminAudit()})
	require.NoError(t, err)
	assert.Equal(t, int64(5), row["id"])

	assert.Equal(t, []string{
		"BEGIN",
		"SELECT id FROM work_orders WHERE id = $1 FOR UPDATE",
		"SELECT id FROM invoices WHERE work_order_id = $1",
		"DELETE FROM invoice_line_items WHERE invoice_id = $1",
		"UPDATE payments SET invoice_id = NULL WHERE invoice_id = $1",
		"DELETE FROM invoice_line_items WHERE invoice_id = $1",
		"UPDATE payments SET invoice_id = NULL WHERE invoice_id = $1",
		"DELETE FROM invoices WHERE work_order_id = $1",
		"DELETE FROM work_orders WHERE id = $1 RETURNING *",
		"COMMIT",
	}, db.SQL())
	assert.True(t, db.Balanced())

	calls := aud.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "delete", calls[0].action)
	assert.Nil(t, calls[0].newRow)
	assert.Equal(t, "cancelled", calls[0].oldRow["status"])
}

func TestService_DeleteRestrictedByDependents(t *testing.T) {
	svc, db, _ := newTestService(t)

	db.On("FROM roles WHERE roles.id = $1", []string{"id", "name"}, []any{int64(4), "dispatcher"})
	db.On("FOR UPDATE", []string{"id"}, []any{int64(4)})
	db.On("SELECT COUNT(*) AS count FROM users WHERE role_id = $1", []string{"count"}, []any{int64(4)})

	_, err := svc.Delete(context.Background(), "role", 4, WriteOptions{})
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, "Cannot delete: 4 related user records exist", err.Error())

	assert.Zero(t, db.Writes())
	assert.Equal(t, 1, db.Count("ROLLBACK"))
	assert.Zero(t, db.Count("COMMIT"))
	assert.True(t, db.Balanced())
}

func TestMissingRequired(t *testing.T) {
	required := []string{"title", "customer_id"}
	assert.Equal(t, []string{"customer_id", "title"}, missingRequired(required, map[string]any{"title": " "}, false))
	assert.Equal(t, []string{"title"}, missingRequired(required, map[string]any{"title": nil}, true))
	assert.Empty(t, missingRequired(required, map[string]any{"status": "open"}, true))
}
