package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"fieldops-backend/internal/audit"
	"fieldops-backend/internal/metadata"
	"fieldops-backend/internal/store"
)

const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"

	batchSavepoint = "batch_item"
)

// Operation is one item of a batch.
type Operation struct {
	Operation string         `json:"operation"`
	ID        any            `json:"id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

type BatchOptions struct {
	// ContinueOnError runs each item in its own savepoint so a failed item is
	// undone alone and the rest still commit.
	ContinueOnError bool `json:"continueOnError"`
	Audit           *audit.Context
}

type BatchItemResult struct {
	Index     int            `json:"index"`
	Operation string         `json:"operation"`
	Success   bool           `json:"success"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

type BatchError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type BatchStats struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}

type BatchResult struct {
	Success bool              `json:"success"`
	Results []BatchItemResult `json:"results"`
	Errors  []BatchError      `json:"errors"`
	Stats   BatchStats        `json:"stats"`
	Message string            `json:"message"`
}

type pendingAudit struct {
	index  int
	action string
	newRow map[string]any
	oldRow map[string]any
}

// validateOperations checks the shape of every item and parses ids. Nothing
// touches the database until the whole list passes.
func validateOperations(ops []Operation) ([]int64, error) {
	if len(ops) == 0 {
		return nil, InvalidOperationsError([]ErrorDetail{{Message: "operations must be a non-empty array"}})
	}

	ids := make([]int64, len(ops))
	var details []ErrorDetail
	for i, op := range ops {
		field := fmt.Sprintf("operations[%d]", i)
		needsID, needsData := false, false
		switch op.Operation {
		case OpCreate:
			needsData = true
		case OpUpdate:
			needsID, needsData = true, true
		case OpDelete:
			needsID = true
		default:
			details = append(details, ErrorDetail{Field: field, Message: fmt.Sprintf("unknown operation %q", op.Operation)})
			continue
		}
		if needsID {
			id, err := ParseID(op.ID)
			if err != nil {
				details = append(details, ErrorDetail{Field: field, Rule: "id", Message: err.Error()})
			}
			ids[i] = id
		}
		if needsData && op.Data == nil {
			details = append(details, ErrorDetail{Field: field, Rule: "data", Message: "data is required"})
		}
	}
	if len(details) > 0 {
		return nil, InvalidOperationsError(details)
	}
	return ids, nil
}

// Batch runs the operations in order on one client inside one transaction.
// By default the first failure rolls everything back. With ContinueOnError a
// failed item is rolled back to its savepoint and recorded in Errors.
func (s *Service) Batch(ctx context.Context, entityName string, ops []Operation, opts BatchOptions) (*BatchResult, error) {
	entity, err := s.entity(entityName)
	if err != nil {
		return nil, err
	}
	ids, err := validateOperations(ops)
	if err != nil {
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

	auditing := s.auditing(entity, opts.Audit)
	res := &BatchResult{Results: []BatchItemResult{}, Errors: []BatchError{}}
	var pending []pendingAudit

	for i, op := range ops {
		if opts.ContinueOnError {
			if _, err := client.Exec(ctx, "SAVEPOINT "+batchSavepoint); err != nil {
				rollback(ctx, client)
				return nil, fmt.Errorf("savepoint: %w", err)
			}
		}

		row, old, err := s.runOperation(ctx, client, entity, op, ids[i], auditing)
		if err != nil {
			if !opts.ContinueOnError {
				rollback(ctx, client)
				return &BatchResult{
					Success: false,
					Results: []BatchItemResult{{Index: i, Operation: op.Operation, Error: err.Error()}},
					Errors:  []BatchError{{Index: i, Error: err.Error()}},
					Stats:   BatchStats{Failed: 1},
					Message: fmt.Sprintf("Batch aborted at operation %d (%s): %s", i, op.Operation, err.Error()),
				}, nil
			}
			if _, rbErr := client.Exec(ctx, "ROLLBACK TO SAVEPOINT "+batchSavepoint); rbErr != nil {
				rollback(ctx, client)
				return nil, fmt.Errorf("rollback to savepoint: %w", rbErr)
			}
			res.Results = append(res.Results, BatchItemResult{Index: i, Operation: op.Operation, Error: err.Error()})
			res.Errors = append(res.Errors, BatchError{Index: i, Error: err.Error()})
			res.Stats.Failed++
			continue
		}

		if opts.ContinueOnError {
			if _, err := client.Exec(ctx, "RELEASE SAVEPOINT "+batchSavepoint); err != nil {
				rollback(ctx, client)
				return nil, fmt.Errorf("release savepoint: %w", err)
			}
		}

		switch op.Operation {
		case OpCreate:
			res.Stats.Created++
		case OpUpdate:
			res.Stats.Updated++
		case OpDelete:
			res.Stats.Deleted++
		}
		res.Results = append(res.Results, BatchItemResult{Index: i, Operation: op.Operation, Success: true, Result: row})
		if auditing {
			pending = append(pending, pendingAudit{index: i, action: op.Operation, newRow: row, oldRow: old})
		}
	}

	if err := commit(ctx, client); err != nil {
		rollback(ctx, client)
		return nil, err
	}

	if len(pending) > 0 {
		batchID := uuid.New().String()
		for _, p := range pending {
			actx := opts.Audit.WithMetadata(map[string]any{"batch_id": batchID, "batch_index": p.index})
			newRow := p.newRow
			if p.action == OpDelete {
				newRow = nil
			}
			s.logAudit(ctx, p.action, entity, newRow, actx, p.oldRow)
		}
	}

	res.Success = len(res.Errors) == 0
	succeeded := len(ops) - res.Stats.Failed
	if res.Success {
		res.Message = fmt.Sprintf("Batch completed: %d operations succeeded", succeeded)
	} else {
		res.Message = fmt.Sprintf("Batch completed with errors: %d succeeded, %d failed", succeeded, res.Stats.Failed)
	}
	return res, nil
}

// runOperation executes one item on the batch client. Absence is an error
// here, unlike the single-call methods.
func (s *Service) runOperation(ctx context.Context, q store.Querier, entity *metadata.Entity, op Operation, id int64, needOld bool) (map[string]any, map[string]any, error) {
	switch op.Operation {
	case OpCreate:
		row, err := s.insert(ctx, q, entity, op.Data)
		return row, nil, err

	case OpUpdate:
		row, old, err := s.update(ctx, q, entity, id, op.Data, needOld)
		if err != nil {
			return nil, nil, err
		}
		if row == nil {
			return nil, nil, NotFoundError(id)
		}
		return row, old, nil

	case OpDelete:
		if err := s.checkDeleteProtection(ctx, q, entity, id); err != nil {
			return nil, nil, err
		}
		row, err := s.deleteRow(ctx, q, entity, id)
		if err != nil {
			return nil, nil, err
		}
		if row == nil {
			return nil, nil, NotFoundError(id)
		}
		return row, row, nil
	}
	return nil, nil, fmt.Errorf("unknown operation %q", op.Operation)
}
