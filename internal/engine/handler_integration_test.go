//go:build integration

package engine_test

import (
	"context"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldops-backend/internal/config"
	"fieldops-backend/internal/engine"
	"fieldops-backend/internal/metadata"
	"fieldops-backend/internal/store"
)

const schemaSQL = `
DROP TABLE IF EXISTS _it_invoices;
DROP TABLE IF EXISTS _it_work_orders;
CREATE TABLE _it_work_orders (
    id          BIGSERIAL PRIMARY KEY,
    title       TEXT NOT NULL UNIQUE,
    status      TEXT NOT NULL DEFAULT 'open',
    customer_id BIGINT NOT NULL,
    total       NUMERIC(10,2),
    created_at  TIMESTAMPTZ DEFAULT NOW(),
    updated_at  TIMESTAMPTZ DEFAULT NOW()
);
CREATE TABLE _it_invoices (
    id            BIGSERIAL PRIMARY KEY,
    work_order_id BIGINT REFERENCES _it_work_orders(id),
    amount        NUMERIC(10,2)
);`

func testStore(t *testing.T) *store.Store {
	t.Helper()
	port, _ := strconv.Atoi(os.Getenv("TEST_DB_PORT"))
	if port == 0 {
		port = 5433
	}
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{
		Host:     "localhost",
		Port:     port,
		User:     "fieldops",
		Password: "fieldops",
		Name:     "fieldops_test",
		PoolSize: 4,
	})
	require.NoError(t, err, "connect to test db")
	require.NoError(t, s.Bootstrap(ctx))

	_, err = s.Pool.Exec(ctx, schemaSQL)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.Pool.Exec(context.Background(), "DROP TABLE IF EXISTS _it_invoices; DROP TABLE IF EXISTS _it_work_orders")
		s.Close()
	})
	return s
}

func testService(t *testing.T, s *store.Store) *engine.Service {
	t.Helper()
	reg := metadata.NewRegistry(metadata.StaticSource{
		{
			Name:                "work_order",
			TableName:           "_it_work_orders",
			Fields:              []string{"id", "title", "status", "customer_id", "total", "created_at", "updated_at"},
			SearchableFields:    []string{"title"},
			FilterableFields:    []string{"status", "customer_id", "total"},
			SortableFields:      []string{"created_at", "title"},
			DefaultSort:         metadata.DefaultSort{Field: "title", Order: "ASC"},
			RequiredFields:      []string{"title", "customer_id"},
			ImmutableFields:     []string{"customer_id"},
			SystemManagedFields: []string{"id", "created_at", "updated_at"},
			Dependents: []metadata.Dependent{
				{Table: "_it_invoices", ForeignKey: "work_order_id", OnDelete: "cascade"},
			},
		},
	})
	require.NoError(t, reg.Load(context.Background()))
	return engine.NewService(reg, s, engine.NewCascadeDeleter(reg), nil)
}

func TestCreateDuplicate_ReturnsConflict(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	svc := testService(t, s)

	_, err := svc.Create(ctx, "work_order", map[string]any{"title": "Boiler", "customer_id": 1}, engine.WriteOptions{})
	require.NoError(t, err)

	_, err = svc.Create(ctx, "work_order", map[string]any{"title": "Boiler", "customer_id": 2}, engine.WriteOptions{})
	require.ErrorIs(t, err, store.ErrUniqueViolation)
}

func TestBatch_RollbackLeavesNothingBehind(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	svc := testService(t, s)

	res, err := svc.Batch(ctx, "work_order", []engine.Operation{
		{Operation: engine.OpCreate, Data: map[string]any{"title": "First", "customer_id": 1}},
		{Operation: engine.OpDelete, ID: 999999},
	}, engine.BatchOptions{})
	require.NoError(t, err)
	assert.False(t, res.Success)

	n, err := svc.Count(ctx, "work_order", nil, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBatch_ContinueOnErrorKeepsGoodItems(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	svc := testService(t, s)

	res, err := svc.Batch(ctx, "work_order", []engine.Operation{
		{Operation: engine.OpCreate, Data: map[string]any{"title": "First", "customer_id": 1}},
		{Operation: engine.OpCreate, Data: map[string]any{"title": "First", "customer_id": 1}},
		{Operation: engine.OpCreate, Data: map[string]any{"title": "Second", "customer_id": 1, "total": 12.5}},
	}, engine.BatchOptions{ContinueOnError: true})
	require.NoError(t, err)
	assert.Equal(t, engine.BatchStats{Created: 2, Failed: 1}, res.Stats)

	list, err := svc.FindAll(ctx, "work_order", engine.QueryOptions{}, nil)
	require.NoError(t, err)
	require.Len(t, list.Data, 2)
	assert.Equal(t, "First", list.Data[0]["title"])
	assert.Equal(t, "Second", list.Data[1]["title"])

	total, err := svc.Sum(ctx, "work_order", "total", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 12.5, total)
}

func TestDelete_CascadesToDependents(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	svc := testService(t, s)

	row, err := svc.Create(ctx, "work_order", map[string]any{"title": "Boiler", "customer_id": 1}, engine.WriteOptions{})
	require.NoError(t, err)
	_, err = s.Pool.Exec(ctx, "INSERT INTO _it_invoices (work_order_id, amount) VALUES ($1, 10), ($1, 20)", row["id"])
	require.NoError(t, err)

	deleted, err := svc.Delete(ctx, "work_order", row["id"], engine.WriteOptions{})
	require.NoError(t, err)
	require.NotNil(t, deleted)

	var left int
	require.NoError(t, s.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM _it_invoices").Scan(&left))
	assert.Zero(t, left)

	again, err := svc.Delete(ctx, "work_order", row["id"], engine.WriteOptions{})
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestUpdate_RLSHidesOtherCustomers(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	svc := testService(t, s)

	row, err := svc.Create(ctx, "work_order", map[string]any{"title": "Boiler", "customer_id": 1}, engine.WriteOptions{})
	require.NoError(t, err)

	visible, err := svc.FindByID(ctx, "work_order", row["id"], &engine.RLSContext{Policy: engine.PolicyOwnWorkOrdersOnly, UserID: 1})
	require.NoError(t, err)
	assert.NotNil(t, visible)

	hidden, err := svc.FindByID(ctx, "work_order", row["id"], &engine.RLSContext{Policy: engine.PolicyOwnWorkOrdersOnly, UserID: 2})
	require.NoError(t, err)
	assert.Nil(t, hidden)

	updated, err := svc.Update(ctx, "work_order", row["id"], map[string]any{"status": "closed"}, engine.WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "closed", updated["status"])
}
