package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLitePersister stores ledger entries in order of sequence.
type SQLitePersister struct {
	db *sql.DB
}

// NewSQLitePersister creates the persister and runs migrations.
func NewSQLitePersister(db *sql.DB) (*SQLitePersister, error) {
	p := &SQLitePersister{db: db}
	if err := p.migrate(); err != nil {
		return nil, fmt.Errorf("evidence migrate: %w", err)
	}
	return p, nil
}

func (p *SQLitePersister) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS evidence_ledger (
		sequence INTEGER PRIMARY KEY,
		entry_type TEXT NOT NULL,
		content_hash TEXT NOT NULL UNIQUE,
		prev_hash TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		author TEXT,
		data JSON NOT NULL
	)`
	_, err := p.db.ExecContext(context.Background(), query)
	return err
}

// SaveEntry appends one entry row.
func (p *SQLitePersister) SaveEntry(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO evidence_ledger (sequence, entry_type, content_hash, prev_hash, recorded_at, author, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Sequence, e.EntryType, e.ContentHash, e.PrevHash,
		e.RecordedAt.UTC().Format(time.RFC3339Nano), e.Author, string(data))
	return err
}

// LoadEntries returns the full chain ordered by sequence.
func (p *SQLitePersister) LoadEntries(ctx context.Context) ([]Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT sequence, entry_type, content_hash, prev_hash, recorded_at, author, data
		FROM evidence_ledger ORDER BY sequence ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			recordedAt string
			author     sql.NullString
			data       string
		)
		if err := rows.Scan(&e.Sequence, &e.EntryType, &e.ContentHash, &e.PrevHash, &recordedAt, &author, &data); err != nil {
			return nil, err
		}
		if e.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
			return nil, err
		}
		e.Author = author.String
		dec := json.NewDecoder(strings.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&e.Data); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
