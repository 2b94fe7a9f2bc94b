package audit

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"

	"fieldops-backend/internal/config"
	"fieldops-backend/internal/store"
)

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Context describes who triggered a write. It travels with the call and is
// copied into every entry the call produces.
type Context struct {
	UserID    int64          `json:"user_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	// RecordKey names the column that identifies the record; "id" when empty.
	RecordKey string         `json:"-"`
}

// ForRecordKey returns a copy of c whose entries take record_id from key.
func (c *Context) ForRecordKey(key string) *Context {
	if c == nil {
		return nil
	}
	out := *c
	out.RecordKey = key
	return &out
}

// WithMetadata returns a copy of c with extra metadata merged in.
func (c *Context) WithMetadata(kv map[string]any) *Context {
	if c == nil {
		return nil
	}
	out := *c
	out.Metadata = make(map[string]any, len(c.Metadata)+len(kv))
	for k, v := range c.Metadata {
		out.Metadata[k] = v
	}
	for k, v := range kv {
		out.Metadata[k] = v
	}
	return &out
}

// Change is the before and after value of one field.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Entry is a row in the audit_logs table.
type Entry struct {
	ID        string            `json:"id"`
	Action    string            `json:"action"`
	Entity    string            `json:"entity"`
	RecordID  *string           `json:"record_id"`
	UserID    *int64            `json:"user_id"`
	IPAddress *string           `json:"ip_address"`
	UserAgent *string           `json:"user_agent"`
	RequestID *string           `json:"request_id"`
	OldValues map[string]any    `json:"old_values"`
	NewValues map[string]any    `json:"new_values"`
	Changes   map[string]Change `json:"changes"`
	Metadata  map[string]any    `json:"metadata"`
	CreatedAt time.Time         `json:"created_at"`
}

// Logger decides which entities are audited and hands entries to the buffer.
// It never returns errors to the caller: the audit trail is best effort.
type Logger struct {
	enabled  bool
	all      bool
	entities map[string]bool
	buffer   *Buffer
}

// NewLogger builds a logger from config. A nil pool yields a disabled logger.
func NewLogger(cfg config.AuditConfig, pool store.Pool) *Logger {
	l := &Logger{
		enabled:  cfg.Enabled && pool != nil,
		entities: make(map[string]bool, len(cfg.Entities)),
	}
	if len(cfg.Entities) == 0 {
		l.all = true
	}
	for _, e := range cfg.Entities {
		if e == "*" {
			l.all = true
		}
		l.entities[e] = true
	}
	if l.enabled {
		l.buffer = NewBuffer(pool, cfg.BufferSize, cfg.FlushIntervalMs)
	}
	return l
}

// IsEnabled reports whether writes to entity are audited.
func (l *Logger) IsEnabled(entity string) bool {
	if l == nil || !l.enabled {
		return false
	}
	return l.all || l.entities[entity]
}

// LogEntityAudit records one write. newRow is nil for deletes and oldRow is
// nil for creates.
func (l *Logger) LogEntityAudit(ctx context.Context, action, entity string, newRow map[string]any, actx *Context, oldRow map[string]any) {
	if !l.IsEnabled(entity) {
		return
	}
	entry := NewEntry(action, entity, newRow, actx, oldRow)
	l.buffer.Enqueue(entry)
	slog.DebugContext(ctx, "audit entry queued", "entity", entity, "action", action, "id", entry.ID)
}

// Stop flushes what is buffered and halts the background flusher.
func (l *Logger) Stop() {
	if l != nil && l.buffer != nil {
		l.buffer.Stop()
	}
}

// NewEntry assembles an entry, including the per-field change set for updates.
func NewEntry(action, entity string, newRow map[string]any, actx *Context, oldRow map[string]any) Entry {
	e := Entry{
		ID:        uuid.New().String(),
		Action:    action,
		Entity:    entity,
		OldValues: oldRow,
		NewValues: newRow,
		CreatedAt: time.Now().UTC(),
	}
	key := "id"
	if actx != nil && actx.RecordKey != "" {
		key = actx.RecordKey
	}
	if id := recordID(key, newRow, oldRow); id != "" {
		e.RecordID = &id
	}
	if action == ActionUpdate && oldRow != nil && newRow != nil {
		e.Changes = ComputeChanges(newRow, oldRow)
	}
	if actx != nil {
		if actx.UserID != 0 {
			uid := actx.UserID
			e.UserID = &uid
		}
		e.IPAddress = optional(actx.IPAddress)
		e.UserAgent = optional(actx.UserAgent)
		e.RequestID = optional(actx.RequestID)
		e.Metadata = actx.Metadata
	}
	return e
}

// ComputeChanges returns field -> {old, new} for every field of record whose
// value differs from old.
func ComputeChanges(record, old map[string]any) map[string]Change {
	changes := map[string]Change{}
	for k, newVal := range record {
		oldVal, exists := old[k]
		if !exists || !reflect.DeepEqual(oldVal, newVal) {
			changes[k] = Change{Old: oldVal, New: newVal}
		}
	}
	return changes
}

func recordID(key string, rows ...map[string]any) string {
	for _, r := range rows {
		if v, ok := r[key]; ok && v != nil {
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
