package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config selects a sink backend.
//
// Kind must match a registered backend ("sqlite", "postgres", "mssql"). DSN is
// passed through to the backend; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Sink writes exported rows into a database table.
//
// Every column is stored as text: Metabase exports carry no reliable type
// information, and the rows are meant for ad-hoc analysis, not as a schema
// of record.
type Sink interface {
	// Close releases connections. Call it once.
	Close()

	// EnsureTable creates table with the given text columns when it does not
	// exist. An existing table is left untouched.
	EnsureTable(ctx context.Context, table string, columns []string) error

	// InsertRows inserts rows whose values line up with columns. Backends
	// split large inputs to stay under their bind-parameter limits.
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
}

// Factory opens a Sink for cfg.
type Factory func(ctx context.Context, cfg Config) (Sink, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a backend available under kind. Backends call it from init.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New opens a Sink with the backend registered for cfg.Kind.
func New(ctx context.Context, cfg Config) (Sink, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backends in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
