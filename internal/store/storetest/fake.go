// Package storetest provides a scripted in-memory stand-in for store.Pool.
// Statements are matched against registered substrings and every statement
// is recorded for assertions.
package storetest

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"fieldops-backend/internal/store"
)

// Call is one recorded statement.
type Call struct {
	SQL  string
	Args []any
}

type response struct {
	contains string
	cols     []string
	rows     [][]any
	err      error
	tag      string
	left     int // remaining uses; -1 is unlimited
}

// DB implements store.Pool. The zero value is not usable; call New.
type DB struct {
	mu        sync.Mutex
	calls     []Call
	responses []*response
	acquired  int
	released  int
}

func New() *DB {
	return &DB{}
}

// On answers every statement containing substr with rows. Earlier
// registrations win over later ones.
func (d *DB) On(substr string, cols []string, rows ...[]any) *DB {
	return d.add(&response{contains: substr, cols: cols, rows: rows, left: -1})
}

// Once is On for a single use; the next matching statement falls through to
// later registrations.
func (d *DB) Once(substr string, cols []string, rows ...[]any) *DB {
	return d.add(&response{contains: substr, cols: cols, rows: rows, left: 1})
}

// Fail makes statements containing substr return err.
func (d *DB) Fail(substr string, err error) *DB {
	return d.add(&response{contains: substr, err: err, left: -1})
}

// Tag sets the command tag returned by Exec for statements containing substr.
func (d *DB) Tag(substr, tag string) *DB {
	return d.add(&response{contains: substr, tag: tag, left: -1})
}

func (d *DB) add(r *response) *DB {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses = append(d.responses, r)
	return d
}

func (d *DB) match(sql string, args []any) *response {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, Call{SQL: sql, Args: args})
	for _, r := range d.responses {
		if r.left == 0 || !strings.Contains(sql, r.contains) {
			continue
		}
		if r.left > 0 {
			r.left--
		}
		return r
	}
	return &response{}
}

func (d *DB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	r := d.match(sql, args)
	if r.err != nil {
		return nil, r.err
	}
	return &Rows{cols: r.cols, rows: r.rows, i: -1}, nil
}

func (d *DB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	rows, err := d.Query(ctx, sql, args...)
	return &row{rows: rows, err: err}
}

func (d *DB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r := d.match(sql, args)
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	tag := r.tag
	if tag == "" {
		fields := strings.Fields(sql)
		tag = "OK"
		if len(fields) > 0 {
			tag = strings.ToUpper(fields[0])
		}
	}
	return pgconn.NewCommandTag(tag), nil
}

func (d *DB) Acquire(context.Context) (store.Client, error) {
	d.mu.Lock()
	d.acquired++
	d.mu.Unlock()
	return &client{DB: d}, nil
}

// Calls returns every recorded statement in order.
func (d *DB) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// SQL returns the recorded statement texts in order.
func (d *DB) SQL() []string {
	var out []string
	for _, c := range d.Calls() {
		out = append(out, c.SQL)
	}
	return out
}

// Count returns how many recorded statements contain substr.
func (d *DB) Count(substr string) int {
	n := 0
	for _, s := range d.SQL() {
		if strings.Contains(s, substr) {
			n++
		}
	}
	return n
}

// Find returns the first recorded statement containing substr.
func (d *DB) Find(substr string) (Call, bool) {
	for _, c := range d.Calls() {
		if strings.Contains(c.SQL, substr) {
			return c, true
		}
	}
	return Call{}, false
}

// Writes counts INSERT, UPDATE and DELETE statements.
func (d *DB) Writes() int {
	n := 0
	for _, s := range d.SQL() {
		u := strings.ToUpper(strings.TrimSpace(s))
		if strings.HasPrefix(u, "INSERT") || strings.HasPrefix(u, "UPDATE") || strings.HasPrefix(u, "DELETE") {
			n++
		}
	}
	return n
}

// Balanced reports whether every acquired client was released.
func (d *DB) Balanced() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquired == d.released
}

func (d *DB) Acquired() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquired
}

type client struct {
	*DB
	once sync.Once
}

func (c *client) Release() {
	c.once.Do(func() {
		c.DB.mu.Lock()
		c.DB.released++
		c.DB.mu.Unlock()
	})
}

// Rows implements pgx.Rows over static values.
type Rows struct {
	cols []string
	rows [][]any
	i    int
}

func (r *Rows) Close()     {}
func (r *Rows) Err() error { return nil }

func (r *Rows) CommandTag() pgconn.CommandTag {
	return pgconn.NewCommandTag("SELECT " + strconv.Itoa(len(r.rows)))
}

func (r *Rows) FieldDescriptions() []pgconn.FieldDescription {
	fds := make([]pgconn.FieldDescription, len(r.cols))
	for i, c := range r.cols {
		fds[i] = pgconn.FieldDescription{Name: c}
	}
	return fds
}

func (r *Rows) Next() bool {
	if r.i+1 >= len(r.rows) {
		return false
	}
	r.i++
	return true
}

func (r *Rows) Scan(dest ...any) error {
	values := r.rows[r.i]
	if len(dest) != len(values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(values))
	}
	for i, d := range dest {
		dv := reflect.ValueOf(d)
		if dv.Kind() != reflect.Pointer || dv.IsNil() {
			return fmt.Errorf("scan: destination %d is not a pointer", i)
		}
		target := dv.Elem()
		if values[i] == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		v := reflect.ValueOf(values[i])
		if !v.Type().ConvertibleTo(target.Type()) {
			return fmt.Errorf("scan: cannot assign %T to %s", values[i], target.Type())
		}
		target.Set(v.Convert(target.Type()))
	}
	return nil
}

func (r *Rows) Values() ([]any, error) {
	return r.rows[r.i], nil
}

func (r *Rows) RawValues() [][]byte { return nil }
func (r *Rows) Conn() *pgx.Conn     { return nil }

type row struct {
	rows pgx.Rows
	err  error
}

func (r *row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	defer r.rows.Close()
	if !r.rows.Next() {
		return pgx.ErrNoRows
	}
	return r.rows.Scan(dest...)
}

var _ store.Pool = (*DB)(nil)
