package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const defaultMaxRows = 100

// dangerousKeywords are write/DDL verbs worth flagging. Matches are logged
// at warn and the query still runs; blocking is the database grants' job.
var dangerousKeywords = []string{
	"DROP", "DELETE", "TRUNCATE", "ALTER", "CREATE", "INSERT", "UPDATE",
}

// sqlSpec is the declarative body of a sql tool definition.
type sqlSpec struct {
	Database sqlDatabase `json:"database"`
	MaxRows  int         `json:"max_rows,omitempty"`
}

type sqlDatabase struct {
	Type             string `json:"type"`
	Host             string `json:"host,omitempty"`
	Port             int    `json:"port,omitempty"`
	User             string `json:"user,omitempty"`
	Password         string `json:"password,omitempty"`
	Name             string `json:"name,omitempty"`
	SSLMode          string `json:"sslmode,omitempty"`
	ConnectionString string `json:"connection_string,omitempty"`

	// Path is the database file for sqlite targets.
	Path string `json:"path,omitempty"`
}

// sqlParams are the model-supplied arguments.
type sqlParams struct {
	Query string `json:"query"`
	Args  []any  `json:"args,omitempty"`
}

type sqlExecutor struct {
	name   string
	spec   sqlSpec
	logger *slog.Logger

	mu sync.Mutex
	db *sql.DB
}

func newSQLExecutor(name string, spec json.RawMessage, logger *slog.Logger) (*sqlExecutor, error) {
	var parsed sqlSpec
	if len(spec) == 0 || string(spec) == "null" {
		return nil, errors.New("sql tool requires a database spec")
	}
	if err := json.Unmarshal(spec, &parsed); err != nil {
		return nil, fmt.Errorf("parse sql spec: %w", err)
	}
	if parsed.Database.Type == "" {
		return nil, errors.New("sql spec requires database.type")
	}
	if parsed.MaxRows <= 0 {
		parsed.MaxRows = defaultMaxRows
	}
	return &sqlExecutor{name: name, spec: parsed, logger: logger}, nil
}

func (e *sqlExecutor) run(ctx context.Context, params json.RawMessage, inv Invocation) (string, error) {
	var p sqlParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return "", fmt.Errorf("parse sql arguments: %w", err)
		}
	}
	query := strings.TrimSpace(p.Query)
	if query == "" {
		return "", errors.New("query is required")
	}

	if found := dangerousKeywordsIn(query); len(found) > 0 {
		e.logger.Warn("sql tool query contains write keywords",
			"tool", e.name, "keywords", strings.Join(found, ","))
	}

	db, err := e.pool()
	if err != nil {
		return "", err
	}

	if returnsRows(query) {
		return e.queryRows(ctx, db, query, p.Args)
	}

	res, err := db.ExecContext(ctx, query, p.Args...)
	if err != nil {
		return "", fmt.Errorf("execute statement: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = -1
	}
	out, err := json.Marshal(map[string]any{"rows_affected": affected})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (e *sqlExecutor) queryRows(ctx context.Context, db *sql.DB, query string, args []any) (string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return "", fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", fmt.Errorf("read columns: %w", err)
	}

	records := make([]map[string]any, 0)
	truncated := false
	for rows.Next() {
		if len(records) >= e.spec.MaxRows {
			truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", fmt.Errorf("scan row: %w", err)
		}
		record := make(map[string]any, len(cols))
		for i, col := range cols {
			record[col] = normalizeSQLValue(values[i])
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate rows: %w", err)
	}

	payload := map[string]any{
		"columns":   cols,
		"rows":      records,
		"row_count": len(records),
	}
	if truncated {
		payload["truncated"] = true
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// pool opens the target database on first use and reuses the handle.
func (e *sqlExecutor) pool() (*sql.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db != nil {
		return e.db, nil
	}
	db, err := openDatabase(e.spec.Database)
	if err != nil {
		return nil, err
	}
	e.db = db
	return db, nil
}

// Close releases the pooled connection.
func (e *sqlExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

// openDatabase dispatches on database.type. Only the postgres and sqlite
// drivers are compiled in; the other recognized types report a clean error
// instead of a driver panic.
func openDatabase(target sqlDatabase) (*sql.DB, error) {
	switch strings.ToLower(target.Type) {
	case "postgresql", "postgres":
		dsn := target.ConnectionString
		if dsn == "" {
			dsn = postgresDSN(target)
		}
		return sql.Open("postgres", dsn)
	case "sqlite", "sqlite3":
		path := target.Path
		if path == "" {
			path = target.Name
		}
		if path == "" {
			return nil, errors.New("sqlite target requires a path")
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, err
		}
		// In-memory databases exist per connection; a single
		// connection keeps them coherent.
		db.SetMaxOpenConns(1)
		return db, nil
	case "mysql", "mssql", "oracle":
		return nil, fmt.Errorf("database type %q is recognized but its driver is not compiled in", target.Type)
	default:
		return nil, fmt.Errorf("unsupported database type %q", target.Type)
	}
}

func postgresDSN(target sqlDatabase) string {
	parts := []string{}
	add := func(key, value string) {
		if value != "" {
			parts = append(parts, key+"="+value)
		}
	}
	add("host", target.Host)
	if target.Port > 0 {
		parts = append(parts, fmt.Sprintf("port=%d", target.Port))
	}
	add("user", target.User)
	add("password", target.Password)
	add("dbname", target.Name)
	sslmode := target.SSLMode
	if sslmode == "" {
		sslmode = "prefer"
	}
	add("sslmode", sslmode)
	return strings.Join(parts, " ")
}

// dangerousKeywordsIn returns the write keywords present in the query,
// matching whole words only so "updates" or "drop_log" do not flag.
func dangerousKeywordsIn(query string) []string {
	tokens := strings.FieldsFunc(strings.ToUpper(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	present := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		present[tok] = true
	}

	var found []string
	for _, kw := range dangerousKeywords {
		if present[kw] {
			found = append(found, kw)
		}
	}
	return found
}

// returnsRows reports whether the statement produces a result set.
func returnsRows(query string) bool {
	upper := strings.ToUpper(strings.TrimSpace(query))
	for _, prefix := range []string{"SELECT", "WITH", "SHOW", "EXPLAIN", "PRAGMA", "VALUES"} {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return strings.Contains(upper, " RETURNING ")
}

// normalizeSQLValue converts driver values into JSON-friendly shapes.
func normalizeSQLValue(v any) any {
	switch value := v.(type) {
	case []byte:
		return string(value)
	case time.Time:
		return value.Format(time.RFC3339)
	default:
		return v
	}
}
