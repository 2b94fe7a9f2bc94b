package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"fieldops-backend/internal/audit"
	"fieldops-backend/internal/metadata"
	"fieldops-backend/internal/store/storetest"
)

var workOrderCols = []string{"id", "title", "status", "priority", "customer_id", "assigned_technician_id", "total"}

func workOrderRow(id int64, status string) []any {
	return []any{id, "Replace boiler valve", status, int64(2), int64(3), int64(42), 180.5}
}

// testEntities is a small field-service catalog: roles, users, work orders
// and invoices with their line items.
func testEntities() []*metadata.Entity {
	return []*metadata.Entity{
		{
			Name:                "role",
			TableName:           "roles",
			IdentityField:       "name",
			Fields:              []string{"id", "name", "description", "created_at", "updated_at"},
			FilterableFields:    []string{"name"},
			SortableFields:      []string{"name"},
			RequiredFields:      []string{"name"},
			SystemManagedFields: []string{"id", "created_at", "updated_at"},
			SystemProtected: &metadata.SystemProtection{
				Field:           "name",
				Values:          []string{"admin", "technician", "customer"},
				ImmutableFields: []string{"name"},
				PreventDelete:   true,
			},
			Dependents: []metadata.Dependent{
				{Entity: "user", Table: "users", ForeignKey: "role_id", OnDelete: "restrict"},
			},
		},
		{
			Name:                "user",
			TableName:           "users",
			IdentityField:       "email",
			Fields:              []string{"id", "email", "password_hash", "first_name", "role_id", "is_active", "created_at", "updated_at"},
			SearchableFields:    []string{"email", "first_name"},
			FilterableFields:    []string{"role_id", "is_active"},
			SortableFields:      []string{"email", "created_at"},
			DefaultSort:         metadata.DefaultSort{Field: "created_at", Order: "DESC"},
			RequiredFields:      []string{"email", "password_hash"},
			ImmutableFields:     []string{"email"},
			SystemManagedFields: []string{"id", "created_at", "updated_at"},
			SensitiveFields:     []string{"password_hash"},
			HashedFields:        []string{"password_hash"},
			ActiveField:         "is_active",
			DefaultIncludes: []metadata.Include{
				{Table: "roles", As: "role", LocalKey: "role_id", Fields: []string{"name"}},
			},
			RLSPolicies: map[string]string{
				"customer":   "own_record_only",
				"technician": "own_record_only",
			},
		},
		{
			Name:                "work_order",
			TableName:           "work_orders",
			Fields:              []string{"id", "title", "status", "priority", "customer_id", "assigned_technician_id", "total", "created_at", "updated_at"},
			SearchableFields:    []string{"title"},
			FilterableFields:    []string{"status", "priority", "customer_id", "assigned_technician_id", "total"},
			SortableFields:      []string{"created_at", "priority"},
			DefaultSort:         metadata.DefaultSort{Field: "created_at", Order: "DESC"},
			RequiredFields:      []string{"title", "customer_id"},
			ImmutableFields:     []string{"customer_id"},
			SystemManagedFields: []string{"id", "created_at", "updated_at"},
			Rules: []metadata.Rule{
				{Type: "field", Field: "total", Operator: "min", Value: 0, Message: "total must not be negative"},
			},
			RLSPolicies: map[string]string{
				"customer":   "own_work_orders_only",
				"technician": "assigned_work_orders_only",
				"dispatcher": "all_records",
				"auditor":    "read_everything",
			},
			Dependents: []metadata.Dependent{
				{Entity: "invoice", Table: "invoices", ForeignKey: "work_order_id", OnDelete: "cascade"},
			},
			Types: map[string]string{"priority": "int", "total": "decimal", "customer_id": "bigint"},
		},
		{
			Name:                "invoice",
			TableName:           "invoices",
			Fields:              []string{"id", "work_order_id", "customer_id", "amount", "status", "created_at"},
			FilterableFields:    []string{"status", "customer_id"},
			RequiredFields:      []string{"work_order_id", "customer_id"},
			SystemManagedFields: []string{"id", "created_at"},
			RLSPolicies:         map[string]string{"customer": "own_invoices_only"},
			Dependents: []metadata.Dependent{
				{Table: "invoice_line_items", ForeignKey: "invoice_id", OnDelete: "cascade"},
				{Table: "payments", ForeignKey: "invoice_id", OnDelete: "set_null"},
			},
		},
	}
}

func testRegistry(t *testing.T) *metadata.Registry {
	t.Helper()
	reg := metadata.NewRegistry(metadata.StaticSource(testEntities()))
	require.NoError(t, reg.Load(context.Background()))
	return reg
}

type auditCall struct {
	action string
	entity string
	newRow map[string]any
	oldRow map[string]any
	actx   *audit.Context
}

// recordingAuditor captures audit calls instead of buffering them.
type recordingAuditor struct {
	mu    sync.Mutex
	calls []auditCall
}

func (a *recordingAuditor) IsEnabled(string) bool { return true }

func (a *recordingAuditor) LogEntityAudit(_ context.Context, action, entity string, newRow map[string]any, actx *audit.Context, oldRow map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, auditCall{action: action, entity: entity, newRow: newRow, oldRow: oldRow, actx: actx})
}

func (a *recordingAuditor) recorded() []auditCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]auditCall(nil), a.calls...)
}

func newTestService(t *testing.T) (*Service, *storetest.DB, *recordingAuditor) {
	t.Helper()
	reg := testRegistry(t)
	db := storetest.New()
	aud := &recordingAuditor{}
	return NewService(reg, db, NewCascadeDeleter(reg), aud), db, aud
}

func adminAudit() *audit.Context {
	return &audit.Context{UserID: 1, IPAddress: "10.0.0.1", RequestID: "req-1"}
}
