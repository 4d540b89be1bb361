package ledger

import (
	"context"
	"database/sql"
	"errors"

	_ "modernc.org/sqlite"
)

// Store persists finalized trades and small key/value state in one local
// SQLite database file.
type Store struct {
	db *sql.DB
}

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return err
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		quantity REAL NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		pnl REAL NOT NULL,
		funding_rate REAL NOT NULL,
		order_id INTEGER NOT NULL,
		entry_time_ms INTEGER NOT NULL,
		exit_time_ms INTEGER NOT NULL,
		retry_count INTEGER NOT NULL
	)`)
	return err
}

func (s *Store) InsertTrade(ctx context.Context, trade TradeRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (symbol, direction, quantity, entry_price, exit_price, pnl, funding_rate, order_id, entry_time_ms, exit_time_ms, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.Symbol,
		trade.Direction,
		trade.Quantity,
		trade.EntryPrice,
		trade.ExitPrice,
		trade.PnL,
		trade.FundingRate,
		trade.OrderID,
		trade.EntryTime.UnixMilli(),
		trade.ExitTime.UnixMilli(),
		trade.RetryCount,
	)
	return err
}

func (s *Store) TradeCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trades`).Scan(&count)
	return count, err
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}
