package engine

import (
	"fmt"
	"log/slog"

	"fieldops-backend/internal/metadata"
)

// Policy names a row-level security rule.
type Policy string

const (
	PolicyAllRecords             Policy = "all_records"
	PolicyOwnRecordOnly          Policy = "own_record_only"
	PolicyOwnWorkOrdersOnly      Policy = "own_work_orders_only"
	PolicyAssignedWorkOrdersOnly Policy = "assigned_work_orders_only"
	PolicyOwnInvoicesOnly        Policy = "own_invoices_only"
	PolicyDenyAll                Policy = "deny_all"
)

const (
	denyClause               = "1=0"
	customerColumn           = "customer_id"
	assignedTechnicianColumn = "assigned_technician_id"
)

// RLSContext is supplied per call and never stored. A nil *RLSContext means
// the call is internal and unrestricted.
type RLSContext struct {
	Policy Policy `json:"policy"`
	UserID int64  `json:"userId"`
}

// ApplyRLSFilter returns the predicate for policy. Unknown policies deny.
func ApplyRLSFilter(policy Policy, userID int64, table, primaryKey string, offset int) Fragment {
	owned := func(col string) Fragment {
		return Fragment{
			Clause:     fmt.Sprintf("%s = $%d", column(table, col), offset+1),
			Params:     []any{userID},
			NextOffset: offset + 1,
		}
	}

	switch policy {
	case PolicyAllRecords:
		return Fragment{NextOffset: offset}
	case PolicyDenyAll:
		return Fragment{Clause: denyClause, NextOffset: offset}
	case PolicyOwnRecordOnly:
		return owned(primaryKey)
	case PolicyOwnWorkOrdersOnly, PolicyOwnInvoicesOnly:
		return owned(customerColumn)
	case PolicyAssignedWorkOrdersOnly:
		return owned(assignedTechnicianColumn)
	default:
		slog.Warn("unknown RLS policy, denying access", "policy", string(policy), "table", table)
		return Fragment{Clause: denyClause, NextOffset: offset}
	}
}

// applyRLS is ApplyRLSFilter for an optional context.
func applyRLS(rls *RLSContext, entity *metadata.Entity, offset int) Fragment {
	if rls == nil {
		return Fragment{NextOffset: offset}
	}
	return ApplyRLSFilter(rls.Policy, rls.UserID, entity.TableName, entity.PrimaryKey, offset)
}

// PolicyFor maps a caller role to the entity's policy. Roles the entity does
// not mention get all_records when admin and deny_all otherwise.
func PolicyFor(entity *metadata.Entity, role string) Policy {
	if p, ok := entity.RLSPolicies[role]; ok && p != "" {
		return Policy(p)
	}
	if role == "admin" {
		return PolicyAllRecords
	}
	return PolicyDenyAll
}

// RLSFor builds the context for an authenticated user. A nil user is denied.
func RLSFor(entity *metadata.Entity, user *metadata.UserContext) *RLSContext {
	if user == nil {
		return &RLSContext{Policy: PolicyDenyAll}
	}
	return &RLSContext{Policy: PolicyFor(entity, user.Role), UserID: user.ID}
}
