package journal

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestRecordAndRecent(t *testing.T) {
	ctx := context.Background()
	j, err := Open(ctx, DriverSQLite, filepath.Join(t.TempDir(), "journal.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	submitted := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	first := Trade{
		RunID: "run", OrderID: "o-1", ClientOrderID: "run-1", Symbol: "BTC/USD", Side: "buy", Status: "CLOSED",
		Qty: decimal.RequireFromString("0.00025"), FilledQty: decimal.RequireFromString("0.00025"),
		AvgPrice: decimal.NewFromInt(40000), Price: decimal.NewFromInt(40010),
		SubmittedAt: submitted, FinishedAt: submitted.Add(5 * time.Second),
	}
	second := first
	second.OrderID, second.ClientOrderID, second.Side, second.Status = "o-2", "run-2", "sell", "EXPIRED"
	second.Error = "cancel failed"

	if err := j.Record(ctx, first); err != nil {
		t.Fatalf("record first: %v", err)
	}
	if err := j.Record(ctx, second); err != nil {
		t.Fatalf("record second: %v", err)
	}

	trades, err := j.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if trades[0].OrderID != "o-2" || trades[0].Error != "cancel failed" {
		t.Fatalf("expected newest first, got %+v", trades[0])
	}
	if !trades[1].Qty.Equal(first.Qty) || !trades[1].SubmittedAt.Equal(submitted) {
		t.Fatalf("expected decimal and time round trip, got %+v", trades[1])
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "dsn", zerolog.Nop()); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	pg := &Journal{driver: DriverPostgres}
	if got := pg.rebind("SELECT ? , ?"); got != "SELECT $1 , $2" {
		t.Fatalf("unexpected postgres query: %s", got)
	}
	lite := &Journal{driver: DriverSQLite}
	if got := lite.rebind("SELECT ?"); got != "SELECT ?" {
		t.Fatalf("unexpected sqlite query: %s", got)
	}
}

func TestSQLiteSourceKeepsExistingQuery(t *testing.T) {
	if got := sqliteSource("trades.db"); got != "trades.db?_journal=WAL&_sync=NORMAL" {
		t.Fatalf("unexpected source: %s", got)
	}
	if got := sqliteSource("file:trades.db?cache=shared"); got != "file:trades.db?cache=shared&_journal=WAL&_sync=NORMAL" {
		t.Fatalf("unexpected source: %s", got)
	}
}

func TestOpenWithQueryDSN(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "journal.db") + "?cache=shared"
	j, err := Open(ctx, DriverSQLite, dsn, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	if err := j.Record(ctx, Trade{RunID: "run", OrderID: "o-1", Symbol: "BTC/USD", Side: "buy", Status: "CLOSED"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	trades, err := j.Recent(ctx, 1)
	if err != nil || len(trades) != 1 {
		t.Fatalf("expected one trade, got %d (%v)", len(trades), err)
	}
}

func TestLogRecentWritesPreviousTrades(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	j, err := Open(ctx, DriverSQLite, filepath.Join(t.TempDir(), "journal.db"), zerolog.New(&buf))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	j.LogRecent(ctx, 5)
	if !strings.Contains(buf.String(), "no previous trades") {
		t.Fatalf("expected empty journal message, got %q", buf.String())
	}

	buf.Reset()
	if err := j.Record(ctx, Trade{RunID: "run", OrderID: "o-7", Symbol: "BTC/USD", Side: "sell", Status: "CLOSED"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	j.LogRecent(ctx, 5)
	out := buf.String()
	if !strings.Contains(out, `"component":"journal"`) {
		t.Fatalf("expected journal component tag, got %q", out)
	}
	if !strings.Contains(out, `"order_id":"o-7"`) || !strings.Contains(out, "previous trade") {
		t.Fatalf("expected previous trade line, got %q", out)
	}
}
