package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"phase-enginev1/internal/model"
)

// Reader provides read-only access to SQLite for warm start and backtest
// replay.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// LoadBars reads bars for one series after afterTS (unix seconds), ordered
// ascending for correct replay order.
func (r *Reader) LoadBars(symbol string, tf int, afterTS int64) ([]model.Bar, error) {
	rows, err := r.db.Query(`
		SELECT symbol, tf, ts, open, high, low, close, volume
		FROM bars
		WHERE symbol = ? AND tf = ? AND ts > ?
		ORDER BY ts ASC
	`, symbol, tf, afterTS)
	if err != nil {
		return nil, fmt.Errorf("sqlite query bars: %w", err)
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		var b model.Bar
		var tsUnix int64
		var volume sql.NullInt64
		if err := rows.Scan(&b.Symbol, &b.TF, &tsUnix, &b.Open, &b.High, &b.Low, &b.Close, &volume); err != nil {
			return nil, fmt.Errorf("sqlite scan bars: %w", err)
		}
		b.TS = time.Unix(tsUnix, 0).UTC()
		b.Volume = volume.Int64
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// Symbols returns the distinct (symbol, tf) pairs stored in the bars table.
func (r *Reader) Symbols() (map[string][]int, error) {
	rows, err := r.db.Query(`SELECT DISTINCT symbol, tf FROM bars ORDER BY symbol, tf`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query symbols: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]int)
	for rows.Next() {
		var symbol string
		var tf int
		if err := rows.Scan(&symbol, &tf); err != nil {
			return nil, fmt.Errorf("sqlite scan symbols: %w", err)
		}
		out[symbol] = append(out[symbol], tf)
	}
	return out, rows.Err()
}

// LastTimestamp returns the newest stored bar timestamp for a series, or 0.
func (r *Reader) LastTimestamp(symbol string, tf int) (int64, error) {
	var ts sql.NullInt64
	err := r.db.QueryRow(
		`SELECT MAX(ts) FROM bars WHERE symbol = ? AND tf = ?`,
		symbol, tf,
	).Scan(&ts)
	if err != nil {
		return 0, err
	}
	return ts.Int64, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
