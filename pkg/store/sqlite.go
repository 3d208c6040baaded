package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

var sqliteBusyTimeout = flag.Duration("sqlite_busy_timeout", 5*time.Second,
	"How long a sqlite call waits on a locked database.")

// SQLite keeps each collection in its own table as JSON text. Filters are pushed down with json_extract and uniqueness
// is enforced by expression indexes, so the database is the one deciding conflicts.
type SQLite struct { // Implements Store.
	db    *sql.DB
	newID func() string
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (or creates) the database file at `path` and prepares every collection table.
func NewSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d", path, sqliteBusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers; WAL still lets the process read while a write is in flight.
	db.SetMaxOpenConns(1)

	if err := configurePragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	slog.Info("Opened sqlite store.", "path", path)
	return &SQLite{db: db, newID: uuid.NewString}, nil
}

func configurePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma '%s': %w", pragma, err)
		}
	}
	return nil
}

// createTables creates a table plus its unique expression indexes per collection.
func createTables(db *sql.DB) error {
	for _, collection := range AllCollections {
		statements := []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			data TEXT NOT NULL
		)`, collection)}
		for i, fields := range uniqueIndexes[collection] {
			expressions := make([]string, len(fields))
			for j, field := range fields {
				expressions[j] = jsonField(field)
			}
			statements = append(statements, fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s_unique_%d ON %s (%s)",
				collection, i, collection, strings.Join(expressions, ", ")))
		}
		for _, statement := range statements {
			if _, err := db.Exec(statement); err != nil {
				return fmt.Errorf("failed to prepare %s: %w", collection, err)
			}
		}
	}
	return nil
}

// jsonField is the SQL expression reading `field` out of the data column. Field names are validated beforehand.
func jsonField(field string) string { return fmt.Sprintf("json_extract(data, '$.%s')", field) }

// sqlValue converts a JSON shaped value to what json_extract yields for it.
func sqlValue(value any) any {
	switch typed := normalizeValue(value).(type) {
	case bool:
		if typed {
			return 1
		}
		return 0
	case map[string]any, []any:
		encoded, _ := json.Marshal(typed)
		return string(encoded)
	default:
		return typed
	}
}

// whereClause renders the filter as a WHERE clause plus its arguments.
func whereClause(filter Filter) (string, []any) {
	if len(filter) == 0 {
		return "1", nil
	}
	clauses := make([]string, 0, len(filter))
	args := make([]any, 0, len(filter))
	for _, condition := range filter {
		field := jsonField(condition.Field)
		jsonType := fmt.Sprintf("json_type(data, '$.%s')", condition.Field)
		switch condition.Op {
		case OpEq:
			if condition.Value == nil {
				clauses = append(clauses, jsonType+" = 'null'")
				continue
			}
			clauses = append(clauses, field+" = ?")
			args = append(args, sqlValue(condition.Value))
		case OpNe:
			if condition.Value == nil {
				clauses = append(clauses, jsonType+" IS NOT 'null'")
				continue
			}
			clauses = append(clauses, field+" IS NOT ?")
			args = append(args, sqlValue(condition.Value))
		case OpIn:
			candidates, _ := condition.Value.([]any)
			if len(candidates) == 0 {
				clauses = append(clauses, "0")
				continue
			}
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(candidates)), ", ")
			clauses = append(clauses, fmt.Sprintf("%s IN (%s)", field, placeholders))
			for _, candidate := range candidates {
				args = append(args, sqlValue(candidate))
			}
		case OpContains:
			clauses = append(clauses, fmt.Sprintf(
				"(%s = 'array' AND EXISTS (SELECT 1 FROM json_each(data, '$.%s') WHERE value = ?))",
				jsonType, condition.Field))
			args = append(args, sqlValue(condition.Value))
		}
	}
	return strings.Join(clauses, " AND "), args
}

// orderClause renders SortBy as a chronological ordering with insertion order as the tie breaker.
func orderClause(opts FindOptions) string {
	direction := "ASC"
	if opts.Order == Descending {
		direction = "DESC"
	}
	if opts.SortBy == "" {
		return "seq " + direction
	}
	return fmt.Sprintf("julianday(%s) %s, seq %s", jsonField(opts.SortBy), direction, direction)
}

// translateError maps driver errors to the store sentinels.
func translateError(collection Collection, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %s: %v", ErrConflict, collection, err)
	}
	return fmt.Errorf("%s: %w", collection, err)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type sqliteRow struct {
	seq int64
	doc Document
}

func (s *SQLite) query(ctx context.Context, q querier, collection Collection, filter Filter,
	opts FindOptions) ([]sqliteRow, error) {
	where, args := whereClause(filter)
	limit := -1
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	statement := fmt.Sprintf("SELECT seq, data FROM %s WHERE %s ORDER BY %s LIMIT ? OFFSET ?",
		collection, where, orderClause(opts))
	rows, err := q.QueryContext(ctx, statement, append(args, limit, opts.Skip)...)
	if err != nil {
		return nil, translateError(collection, err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]sqliteRow, 0)
	for rows.Next() {
		var (
			seq  int64
			data string
		)
		if err := rows.Scan(&seq, &data); err != nil {
			return nil, translateError(collection, err)
		}
		doc := make(Document)
		if err := json.Unmarshal([]byte(data), &doc); err != nil {
			return nil, fmt.Errorf("%s: corrupted document at seq %d: %w", collection, seq, err)
		}
		result = append(result, sqliteRow{seq: seq, doc: doc})
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(collection, err)
	}
	return result, nil
}

func (s *SQLite) Find(ctx context.Context, collection Collection, filter Filter, opts FindOptions) ([]Document, error) {
	if err := validateRequest(collection, filter); err != nil {
		return nil, err
	}
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, s.db, collection, filter, opts)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, len(rows))
	for i, row := range rows {
		docs[i] = row.doc
	}
	return docs, nil
}

func (s *SQLite) FindOne(ctx context.Context, collection Collection, filter Filter) (Document, error) {
	docs, err := s.Find(ctx, collection, filter, FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: no %s document matches the filter", ErrNotFound, collection)
	}
	return docs[0], nil
}

func (s *SQLite) InsertOne(ctx context.Context, collection Collection, doc Document) (string, error) {
	if err := validateCollection(collection); err != nil {
		return "", err
	}
	normalized := normalizeDocument(doc)
	id := normalized.ID()
	if id == "" {
		id = s.newID()
		normalized[IDField] = id
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("%w: failed to encode document: %v", ErrInvalid, err)
	}
	statement := fmt.Sprintf("INSERT INTO %s (id, data) VALUES (?, ?)", collection)
	if _, err := s.db.ExecContext(ctx, statement, id, string(data)); err != nil {
		return "", translateError(collection, err)
	}
	return id, nil
}

// update merges `set` into every row matched by `filter`, up to `limit` rows (zero for all), in one transaction.
func (s *SQLite) update(ctx context.Context, collection Collection, filter Filter, set Document,
	limit int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, translateError(collection, err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := s.query(ctx, tx, collection, filter, FindOptions{Limit: limit})
	if err != nil {
		return 0, err
	}
	patch := normalizeDocument(set)
	statement := fmt.Sprintf("UPDATE %s SET data = ? WHERE seq = ?", collection)
	for _, row := range rows {
		maps.Copy(row.doc, patch)
		data, err := json.Marshal(row.doc)
		if err != nil {
			return 0, fmt.Errorf("%w: failed to encode document: %v", ErrInvalid, err)
		}
		if _, err := tx.ExecContext(ctx, statement, string(data), row.seq); err != nil {
			return 0, translateError(collection, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, translateError(collection, err)
	}
	return len(rows), nil
}

func (s *SQLite) UpdateOne(ctx context.Context, collection Collection, filter Filter, set Document) error {
	if err := validateRequest(collection, filter); err != nil {
		return err
	}
	if err := validateUpdate(set); err != nil {
		return err
	}
	updated, err := s.update(ctx, collection, filter, set, 1 /*limit*/)
	if err != nil {
		return err
	}
	if updated == 0 {
		return fmt.Errorf("%w: no %s document matches the filter", ErrNotFound, collection)
	}
	return nil
}

func (s *SQLite) UpdateMany(ctx context.Context, collection Collection, filter Filter, set Document) (int, error) {
	if err := validateRequest(collection, filter); err != nil {
		return 0, err
	}
	if err := validateUpdate(set); err != nil {
		return 0, err
	}
	return s.update(ctx, collection, filter, set, 0 /*limit*/)
}

func (s *SQLite) DeleteOne(ctx context.Context, collection Collection, filter Filter) error {
	if err := validateRequest(collection, filter); err != nil {
		return err
	}
	where, args := whereClause(filter)
	statement := fmt.Sprintf("DELETE FROM %s WHERE seq = (SELECT seq FROM %s WHERE %s ORDER BY seq LIMIT 1)",
		collection, collection, where)
	result, err := s.db.ExecContext(ctx, statement, args...)
	if err != nil {
		return translateError(collection, err)
	}
	if deleted, _ := result.RowsAffected(); deleted == 0 {
		return fmt.Errorf("%w: no %s document matches the filter", ErrNotFound, collection)
	}
	return nil
}

func (s *SQLite) DeleteMany(ctx context.Context, collection Collection, filter Filter) (int, error) {
	if err := validateRequest(collection, filter); err != nil {
		return 0, err
	}
	where, args := whereClause(filter)
	result, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", collection, where), args...)
	if err != nil {
		return 0, translateError(collection, err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, translateError(collection, err)
	}
	return int(deleted), nil
}

func (s *SQLite) CountDocuments(ctx context.Context, collection Collection, filter Filter) (int, error) {
	if err := validateRequest(collection, filter); err != nil {
		return 0, err
	}
	where, args := whereClause(filter)
	var count int
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", collection, where), args...)
	if err := row.Scan(&count); err != nil {
		return 0, translateError(collection, err)
	}
	return count, nil
}

func (s *SQLite) Close() error { return s.db.Close() }
