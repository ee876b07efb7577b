package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"mbquery/internal/storage"
)

// maxParams is the Postgres wire-protocol bind limit.
const maxParams = 65535

// Sink implements storage.Sink on a pgx pool.
type Sink struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

// New creates a pool for cfg.DSN and checks connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Sink, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Sink{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Sink) Close() {
	s.pool.Close()
}

// EnsureTable creates the schema (for qualified names) and the table.
func (s *Sink) EnsureTable(ctx context.Context, table string, columns []string) error {
	schemaSQL, baseSQL, err := buildCreateSQL(table, columns)
	if err != nil {
		return err
	}
	if schemaSQL != "" {
		if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema for %s: %w", table, err)
		}
	}
	if _, err := s.pool.Exec(ctx, baseSQL); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

// InsertRows inserts rows in one transaction.
func (s *Sink) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var total int64
	for _, part := range storage.SplitRows(rows, len(columns), maxParams) {
		q, args := buildInsertSQL(table, columns, part)
		cmd, err := tx.Exec(ctx, q, args...)
		if err != nil {
			return 0, err
		}
		total += cmd.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return total, nil
}

func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// pgTableIdent quotes an optionally schema-qualified name.
func pgTableIdent(name string) string {
	schema, table := splitQualifiedName(name)
	if schema == "" {
		return pgIdent(table)
	}
	return pgIdent(schema) + "." + pgIdent(table)
}

// splitQualifiedName handles a single dot. Anything else is treated as an
// unqualified name.
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

func buildCreateSQL(table string, columns []string) (schemaSQL, baseSQL string, err error) {
	if strings.TrimSpace(table) == "" {
		return "", "", fmt.Errorf("table name is empty")
	}
	if len(columns) == 0 {
		return "", "", fmt.Errorf("table %s has no columns", table)
	}
	if schema, _ := splitQualifiedName(table); schema != "" {
		schemaSQL = "CREATE SCHEMA IF NOT EXISTS " + pgIdent(schema) + ";"
	}
	defs := make([]string, 0, len(columns))
	for _, c := range columns {
		defs = append(defs, pgIdent(c)+" text")
	}
	baseSQL = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s);", pgTableIdent(table), strings.Join(defs, ", "))
	return schemaSQL, baseSQL, nil
}

// buildInsertSQL constructs one INSERT with numbered placeholders.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(fmt.Sprintf("$%d", p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	b.WriteString(";")
	return b.String(), args
}
