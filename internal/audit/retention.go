package audit

import (
	"context"
	"log/slog"

	"fieldops-backend/internal/store"
)

// PruneOlderThan deletes audit entries older than retentionDays.
func PruneOlderThan(ctx context.Context, q store.Querier, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	n, err := store.Exec(ctx, q,
		"DELETE FROM audit_logs WHERE created_at < NOW() - make_interval(days => $1)", retentionDays)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("audit entries pruned", "deleted", n, "retention_days", retentionDays)
	}
	return n, nil
}
