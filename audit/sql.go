package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// SQLStore keeps records in a SQLite database indexed by
// (actor, action, timestamp).
type SQLStore struct {
	db *sql.DB
}

func OpenSQL(path string) (st *SQLStore, err error) {
	var db *sql.DB
	if db, err = sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err = runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

func (st *SQLStore) Append(ctx context.Context, r Record) (err error) {
	var details = []byte("{}")
	if len(r.Details) > 0 {
		if details, err = json.Marshal(r.Details); err != nil {
			return
		}
	}
	_, err = st.db.ExecContext(ctx,
		`INSERT INTO audit_records (id, ts, actor, action, resource, details, outcome) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Timestamp.UTC().UnixNano(), r.Actor, r.Action, r.Resource, string(details), string(r.Outcome))
	return
}

func (st *SQLStore) Query(ctx context.Context, f Filter) (out []Record, err error) {
	var where []string
	var args []any
	if f.Actor != "" {
		where, args = append(where, "actor = ?"), append(args, f.Actor)
	}
	if f.Action != "" {
		where, args = append(where, "action = ?"), append(args, f.Action)
	}
	if f.Resource != "" {
		where, args = append(where, "resource = ?"), append(args, f.Resource)
	}
	if f.Outcome != "" {
		where, args = append(where, "outcome = ?"), append(args, string(f.Outcome))
	}
	if !f.Since.IsZero() {
		where, args = append(where, "ts >= ?"), append(args, f.Since.UTC().UnixNano())
	}
	if !f.Until.IsZero() {
		where, args = append(where, "ts < ?"), append(args, f.Until.UTC().UnixNano())
	}
	var query = `SELECT id, ts, actor, action, resource, details, outcome FROM audit_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	var rows *sql.Rows
	if rows, err = st.db.QueryContext(ctx, query, args...); err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var r Record
		var ts int64
		var details, outcome string
		if err = rows.Scan(&r.ID, &ts, &r.Actor, &r.Action, &r.Resource, &details, &outcome); err != nil {
			return nil, err
		}
		r.Timestamp = time.Unix(0, ts).UTC()
		r.Outcome = Outcome(outcome)
		if details != "" && details != "{}" {
			if err = json.Unmarshal([]byte(details), &r.Details); err != nil {
				return nil, fmt.Errorf("audit record %s details: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	err = rows.Err()
	return
}

func (st *SQLStore) Cleanup(ctx context.Context, before time.Time) (int, error) {
	res, err := st.db.ExecContext(ctx, `DELETE FROM audit_records WHERE ts < ?`, before.UTC().UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (st *SQLStore) Close() error {
	return st.db.Close()
}
