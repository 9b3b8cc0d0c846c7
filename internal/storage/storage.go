package storage

import (
	"database/sql"
	"equity-signal-bot-go/internal/models"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver
)

// FillRecord is one confirmed fill as written to the journal.
type FillRecord struct {
	ClientOrderID string
	OrderID       string
	Symbol        string
	Side          models.Side
	Quantity      int
	Price         float64
	Reason        string // triggering rule for entries, exit reason for exits
	CycleID       int64
	FilledAt      time.Time
}

// Journal is an append-only audit trail of fills and closed trades. The bot
// state stays authoritative; the journal is for reporting and forensics.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal database and its tables.
func Open(dataSourceName string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers anyway
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &Journal{db: db}, nil
}

// createTables creates the journal tables if they don't exist.
func createTables(db *sql.DB) error {
	// One row per confirmed fill. The client order id is reused across
	// retries, so it identifies a fill uniquely.
	createFillsTableSQL := `
	CREATE TABLE IF NOT EXISTS fills (
		client_order_id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		price REAL NOT NULL,
		reason TEXT NOT NULL,
		cycle_id INTEGER NOT NULL,
		filled_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createFillsTableSQL); err != nil {
		return err
	}

	createTradesTableSQL := `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		entry_date INTEGER NOT NULL,
		exit_date INTEGER NOT NULL,
		exit_reason TEXT NOT NULL,
		realized_return REAL NOT NULL,
		order_id TEXT NOT NULL
	);`
	if _, err := db.Exec(createTradesTableSQL); err != nil {
		return err
	}

	// BotMetadata table to store simple key-value metadata.
	createBotMetadataTableSQL := `
	CREATE TABLE IF NOT EXISTS bot_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`
	if _, err := db.Exec(createBotMetadataTableSQL); err != nil {
		return err
	}

	// Initialize the cycle counter if it doesn't exist.
	initCycleCounterSQL := `INSERT OR IGNORE INTO bot_metadata (key, value) VALUES ('cycle_counter', '0');`
	if _, err := db.Exec(initCycleCounterSQL); err != nil {
		return err
	}

	return nil
}

// RecordFill inserts a fill. Recording the same client order id twice is a
// no-op.
func (j *Journal) RecordFill(f FillRecord) error {
	query := `
	INSERT OR IGNORE INTO fills (client_order_id, order_id, symbol, side, quantity, price, reason, cycle_id, filled_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := j.db.Exec(query,
		f.ClientOrderID, f.OrderID, f.Symbol, string(f.Side), f.Quantity, f.Price, f.Reason, f.CycleID, f.FilledAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert fill %s: %w", f.ClientOrderID, err)
	}
	return nil
}

// RecordTrade appends a closed trade.
func (j *Journal) RecordTrade(t models.TradeHistoryRecord) error {
	query := `
	INSERT INTO trades (symbol, quantity, entry_price, exit_price, entry_date, exit_date, exit_reason, realized_return, order_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := j.db.Exec(query,
		t.Symbol, t.Quantity, t.EntryPrice, t.ExitPrice, t.EntryDate.UnixNano(), t.ExitDate.UnixNano(),
		string(t.ExitReason), t.RealizedReturn, t.OrderID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade %s: %w", t.Symbol, err)
	}
	return nil
}

// Fills returns the journaled fills for symbol, oldest first. An empty symbol
// returns every fill.
func (j *Journal) Fills(symbol string) ([]FillRecord, error) {
	query := `
	SELECT client_order_id, order_id, symbol, side, quantity, price, reason, cycle_id, filled_at
	FROM fills
	WHERE ? = '' OR symbol = ?
	ORDER BY filled_at, client_order_id`

	rows, err := j.db.Query(query, symbol, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var fills []FillRecord
	for rows.Next() {
		var f FillRecord
		var side string
		var filledAt int64
		if err := rows.Scan(&f.ClientOrderID, &f.OrderID, &f.Symbol, &side, &f.Quantity, &f.Price, &f.Reason, &f.CycleID, &filledAt); err != nil {
			return nil, fmt.Errorf("failed to scan fill row: %w", err)
		}
		f.Side = models.Side(side)
		f.FilledAt = time.Unix(0, filledAt).UTC()
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// Trades returns the journaled closed trades in insertion order.
func (j *Journal) Trades() ([]models.TradeHistoryRecord, error) {
	query := `
	SELECT symbol, quantity, entry_price, exit_price, entry_date, exit_date, exit_reason, realized_return, order_id
	FROM trades ORDER BY id`

	rows, err := j.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.TradeHistoryRecord
	for rows.Next() {
		var t models.TradeHistoryRecord
		var reason string
		var entry, exit int64
		if err := rows.Scan(&t.Symbol, &t.Quantity, &t.EntryPrice, &t.ExitPrice, &entry, &exit, &reason, &t.RealizedReturn, &t.OrderID); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		t.EntryDate = time.Unix(0, entry).UTC()
		t.ExitDate = time.Unix(0, exit).UTC()
		t.ExitReason = models.ExitReason(reason)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// NextCycleID atomically retrieves and increments the cycle counter.
func (j *Journal) NextCycleID() (int64, error) {
	tx, err := j.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction for cycle ID: %w", err)
	}
	defer tx.Rollback() // Rollback on any error

	var counterStr string
	err = tx.QueryRow("SELECT value FROM bot_metadata WHERE key = 'cycle_counter'").Scan(&counterStr)
	if errors.Is(err, sql.ErrNoRows) {
		counterStr = "0"
	} else if err != nil {
		return 0, fmt.Errorf("failed to read cycle_counter: %w", err)
	}

	counter, err := strconv.ParseInt(counterStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse cycle_counter value '%s': %w", counterStr, err)
	}
	next := counter + 1

	_, err = tx.Exec(`INSERT INTO bot_metadata (key, value) VALUES ('cycle_counter', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.FormatInt(next, 10))
	if err != nil {
		return 0, fmt.Errorf("failed to update cycle_counter: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cycle_counter transaction: %w", err)
	}
	return next, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
