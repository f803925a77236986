// Package journal persists terminal order outcomes for audit and analysis.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	applog "cryptobot/internal/logger"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Trade is one supervised order in its terminal state.
type Trade struct {
	ID            int64
	RunID         string
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          string
	Status        string
	Qty           decimal.Decimal
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
	Price         decimal.Decimal
	Error         string
	SubmittedAt   time.Time
	FinishedAt    time.Time
}

type Journal struct {
	mu     sync.Mutex
	db     *sql.DB
	driver string
	logger zerolog.Logger
}

// Open connects to the journal database and creates the schema if needed.
// For sqlite3 the dsn is a file path.
func Open(ctx context.Context, driver, dsn string, logger zerolog.Logger) (*Journal, error) {
	source := dsn
	switch driver {
	case DriverSQLite:
		source = sqliteSource(dsn)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported journal driver: %s", driver)
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal ping: %w", err)
	}

	j := &Journal{db: db, driver: driver, logger: applog.Component(logger, "journal")}
	if _, err := db.ExecContext(ctx, j.schema()); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}

	j.logger.Info().Str("driver", driver).Msg("trade journal opened")
	return j, nil
}

// sqliteSource enables WAL on a sqlite dsn, keeping any query it already has.
func sqliteSource(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_journal=WAL&_sync=NORMAL"
}

func (j *Journal) schema() string {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if j.driver == DriverPostgres {
		id = "BIGSERIAL PRIMARY KEY"
	}
	return `
	CREATE TABLE IF NOT EXISTS trades (
		id              ` + id + `,
		run_id          TEXT NOT NULL,
		order_id        TEXT NOT NULL,
		client_order_id TEXT NOT NULL,
		symbol          TEXT NOT NULL,
		side            TEXT NOT NULL,
		status          TEXT NOT NULL,
		qty             TEXT NOT NULL,
		filled_qty      TEXT NOT NULL,
		avg_price       TEXT NOT NULL,
		price           TEXT NOT NULL,
		error           TEXT,
		submitted_at    TEXT NOT NULL,
		finished_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
	CREATE INDEX IF NOT EXISTS idx_trades_finished_at ON trades(finished_at);
	`
}

// Record persists a terminal outcome.
func (j *Journal) Record(ctx context.Context, t Trade) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx, j.rebind(
		`INSERT INTO trades (run_id, order_id, client_order_id, symbol, side, status, qty, filled_qty, avg_price, price, error, submitted_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.RunID,
		t.OrderID,
		t.ClientOrderID,
		t.Symbol,
		t.Side,
		t.Status,
		t.Qty.String(),
		t.FilledQty.String(),
		t.AvgPrice.String(),
		t.Price.String(),
		t.Error,
		t.SubmittedAt.UTC().Format(time.RFC3339Nano),
		t.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("journal insert: %w", err)
	}
	return nil
}

// Recent returns the last limit trades, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Trade, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx, j.rebind(
		`SELECT id, run_id, order_id, client_order_id, symbol, side, status, qty, filled_qty, avg_price, price, error, submitted_at, finished_at
		 FROM trades ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var (
			t                       Trade
			qty, filled, avg, price string
			errText                 sql.NullString
			submittedAt, finishedAt string
		)
		if err := rows.Scan(&t.ID, &t.RunID, &t.OrderID, &t.ClientOrderID, &t.Symbol, &t.Side, &t.Status,
			&qty, &filled, &avg, &price, &errText, &submittedAt, &finishedAt); err != nil {
			return nil, err
		}
		t.Qty, _ = decimal.NewFromString(qty)
		t.FilledQty, _ = decimal.NewFromString(filled)
		t.AvgPrice, _ = decimal.NewFromString(avg)
		t.Price, _ = decimal.NewFromString(price)
		t.Error = errText.String
		t.SubmittedAt, _ = time.Parse(time.RFC3339Nano, submittedAt)
		t.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedAt)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// LogRecent logs the last limit trades so a restart shows where the previous
// run left off.
func (j *Journal) LogRecent(ctx context.Context, limit int) {
	trades, err := j.Recent(ctx, limit)
	if err != nil {
		j.logger.Warn().Err(err).Msg("failed to read recent trades")
		return
	}
	if len(trades) == 0 {
		j.logger.Info().Msg("no previous trades")
		return
	}
	for _, t := range trades {
		j.logger.Info().Str("run_id", t.RunID).Str("order_id", t.OrderID).Str("side", t.Side).
			Str("status", t.Status).Str("filled_qty", t.FilledQty.String()).Str("avg_price", t.AvgPrice.String()).
			Time("finished_at", t.FinishedAt).Msg("previous trade")
	}
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (j *Journal) rebind(query string) string {
	if j.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
