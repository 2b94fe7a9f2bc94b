package engine

import (
	"context"
	"fmt"

	"fieldops-backend/internal/metadata"
	"fieldops-backend/internal/store"
)

const maxCascadeDepth = 16

type CascadeResult struct {
	TotalDeleted int64 `json:"totalDeleted"`
}

// Cascader removes or detaches rows that reference a record about to be
// deleted. It runs on the caller's transaction client.
type Cascader interface {
	CascadeDeleteDependents(ctx context.Context, q store.Querier, entity *metadata.Entity, id any) (CascadeResult, error)
}

// CascadeDeleter applies each dependent's on_delete policy. Dependents that
// name a registered entity are walked recursively before their rows go.
type CascadeDeleter struct {
	registry *metadata.Registry
}

func NewCascadeDeleter(reg *metadata.Registry) *CascadeDeleter {
	return &CascadeDeleter{registry: reg}
}

func (d *CascadeDeleter) CascadeDeleteDependents(ctx context.Context, q store.Querier, entity *metadata.Entity, id any) (CascadeResult, error) {
	var res CascadeResult
	catalog := d.registry.Snapshot()
	err := d.cascade(ctx, q, catalog, entity, id, 0, &res)
	return res, err
}

func (d *CascadeDeleter) cascade(ctx context.Context, q store.Querier, catalog *metadata.Catalog, entity *metadata.Entity, id any, depth int, res *CascadeResult) error {
	if len(entity.Dependents) == 0 {
		return nil
	}
	if depth >= maxCascadeDepth {
		return fmt.Errorf("cascade from %s exceeds depth %d", entity.Name, maxCascadeDepth)
	}

	// Restrictions first, so nothing is touched when one of them trips.
	for _, dep := range entity.Dependents {
		if dep.OnDelete != "restrict" {
			continue
		}
		countSQL := fmt.Sprintf("SELECT COUNT(*) AS count FROM %s WHERE %s = $1", dep.Table, dep.ForeignKey)
		row, err := store.QueryRow(ctx, q, countSQL, id)
		if err != nil {
			return fmt.Errorf("check dependent %s: %w", dep.Table, err)
		}
		if count, _ := toInt64(row["count"]); count > 0 {
			return ConflictError(fmt.Sprintf("Cannot delete: %d related %s records exist", count, dependentName(dep)))
		}
	}

	for _, dep := range entity.Dependents {
		switch dep.OnDelete {
		case "cascade":
			if child, ok := catalog.Entity(dep.Entity); ok && len(child.Dependents) > 0 {
				idSQL := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1", child.PrimaryKey, dep.Table, dep.ForeignKey)
				rows, err := store.QueryRows(ctx, q, idSQL, id)
				if err != nil {
					return fmt.Errorf("load dependent %s: %w", dep.Table, err)
				}
				for _, r := range rows {
					if err := d.cascade(ctx, q, catalog, child, r[child.PrimaryKey], depth+1, res); err != nil {
						return err
					}
				}
			}
			sql := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", dep.Table, dep.ForeignKey)
			n, err := store.Exec(ctx, q, sql, id)
			if err != nil {
				return fmt.Errorf("delete dependent %s: %w", dep.Table, err)
			}
			res.TotalDeleted += n

		case "set_null":
			sql := fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s = $1", dep.Table, dep.ForeignKey, dep.ForeignKey)
			if _, err := store.Exec(ctx, q, sql, id); err != nil {
				return fmt.Errorf("detach dependent %s: %w", dep.Table, err)
			}
		}
	}
	return nil
}

func dependentName(dep metadata.Dependent) string {
	if dep.Entity != "" {
		return dep.Entity
	}
	return dep.Table
}
