package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour used for schema and placeholders.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// DB wraps a connection pool with the dialect it was opened for. Queries are
// written with `?` placeholders and passed through Rebind.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to the configured database and runs schema migrations.
func Open(driver, dsn string) (*DB, error) {
	dialect := Dialect(strings.ToLower(strings.TrimSpace(driver)))
	if dialect == "" {
		dialect = SQLite
	}

	var (
		conn *sql.DB
		err  error
	)
	switch dialect {
	case SQLite:
		if dsn == "" {
			return nil, fmt.Errorf("open sqlite: empty path")
		}
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("ensure database dir: %w", err)
		}
		conn, err = sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dsn))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		conn.SetMaxOpenConns(1)
		conn.SetConnMaxLifetime(0)
	case Postgres:
		conn, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		conn.SetMaxOpenConns(10)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	d := &DB{DB: conn, Dialect: dialect}
	if err := d.migrate(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return d, nil
}

// Rebind rewrites `?` placeholders into the dialect's bind syntax.
func (d *DB) Rebind(query string) string {
	if d.Dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *DB) migrate() error {
	timeType, realType := "DATETIME", "REAL"
	if d.Dialect == Postgres {
		timeType, realType = "TIMESTAMPTZ", "DOUBLE PRECISION"
	}
	replacer := strings.NewReplacer("{{time}}", timeType, "{{real}}", realType)

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT,
			oauth_provider TEXT,
			oauth_id TEXT,
			avatar_url TEXT,
			created_at {{time}} NOT NULL,
			updated_at {{time}} NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS studysets (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			is_ai_generated BOOLEAN NOT NULL DEFAULT FALSE,
			source_file_name TEXT,
			created_at {{time}} NOT NULL,
			updated_at {{time}} NOT NULL,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS flashcards (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			studyset_id TEXT NOT NULL,
			question TEXT NOT NULL CHECK(length(trim(question)) > 0),
			answer TEXT NOT NULL CHECK(length(trim(answer)) > 0),
			due {{time}},
			stability {{real}} NOT NULL DEFAULT 0,
			difficulty {{real}} NOT NULL DEFAULT 0,
			elapsed_days INTEGER NOT NULL DEFAULT 0,
			scheduled_days INTEGER NOT NULL DEFAULT 0,
			reps INTEGER NOT NULL DEFAULT 0,
			lapses INTEGER NOT NULL DEFAULT 0,
			state INTEGER NOT NULL DEFAULT 0,
			last_review {{time}},
			created_at {{time}} NOT NULL,
			updated_at {{time}} NOT NULL,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE,
			FOREIGN KEY(studyset_id) REFERENCES studysets(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS review_logs (
			id TEXT PRIMARY KEY,
			flashcard_id TEXT NOT NULL,
			rating INTEGER NOT NULL,
			scheduled_days INTEGER NOT NULL,
			elapsed_days INTEGER NOT NULL,
			state INTEGER NOT NULL,
			reviewed_at {{time}} NOT NULL,
			FOREIGN KEY(flashcard_id) REFERENCES flashcards(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_studysets_user ON studysets(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_flashcards_studyset ON flashcards(studyset_id);`,
		`CREATE INDEX IF NOT EXISTS idx_flashcards_due ON flashcards(due);`,
	}
	if d.Dialect == SQLite {
		stmts = append([]string{`PRAGMA foreign_keys = ON;`}, stmts...)
	}

	for _, stmt := range stmts {
		stmt = replacer.Replace(stmt)
		if _, err := d.Exec(stmt); err != nil {
			return fmt.Errorf("execute %q: %w", stmt, err)
		}
	}
	return nil
}
