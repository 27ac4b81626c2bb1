package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tradeguard/audit"
	"tradeguard/core/events"
)

type countingExpirer struct {
	mu     sync.Mutex
	calls  int
	limits []int
	err    error
}

func (c *countingExpirer) ExpireOverdue(_ context.Context, limit int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.limits = append(c.limits, limit)
	if c.err != nil {
		return 0, c.err
	}
	return 2, nil
}

func (c *countingExpirer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func testLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

func TestSweeper(t *testing.T) {
	expirer := &countingExpirer{}
	var buf bytes.Buffer
	sweeper := NewSweeper(SweeperConfig{Expirer: expirer, Interval: time.Millisecond, Batch: 7, Logger: testLogger(&buf)})

	require.Equal(t, 2, sweeper.Sweep(context.Background()))
	require.Equal(t, []int{7}, expirer.limits)
	require.Contains(t, buf.String(), `"expired":2`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()
	require.Eventually(t, func() bool { return expirer.count() >= 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestSweeperLogsFailures(t *testing.T) {
	var buf bytes.Buffer
	sweeper := NewSweeper(SweeperConfig{Expirer: &countingExpirer{err: errors.New("database is locked")}, Logger: testLogger(&buf)})
	require.Zero(t, sweeper.Sweep(context.Background()))
	require.Contains(t, buf.String(), "database is locked")
}

func newAuditLog(t *testing.T, now func() time.Time) (*audit.Log, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	log := audit.New(db, audit.WithClock(now))
	require.NoError(t, log.Migrate(context.Background()))
	return log, db
}

func TestVerifierExportsAfterCleanRun(t *testing.T) {
	now := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	log, db := newAuditLog(t, clock)
	ctx := context.Background()
	appendEntry := func(eventType string) {
		_, err := log.Append(ctx, audit.Record{EventType: eventType, Severity: audit.SeverityInfo, Resource: "escrow:1", Action: "test"})
		require.NoError(t, err)
	}
	appendEntry("escrow.created")
	appendEntry("escrow.funded")

	dir := t.TempDir()
	var buf bytes.Buffer
	verifier := NewVerifier(VerifierConfig{Auditor: log, ExportDir: dir, Now: clock, Logger: testLogger(&buf)})

	report, err := verifier.Verify(ctx)
	require.NoError(t, err)
	require.True(t, report.IsValid)
	files, err := filepath.Glob(filepath.Join(dir, "*.parquet"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	info, err := os.Stat(files[0])
	require.NoError(t, err)
	require.Positive(t, info.Size())

	path, err := verifier.Export(ctx)
	require.NoError(t, err)
	require.Empty(t, path)

	now = now.Add(time.Minute)
	appendEntry("escrow.released")
	path, err = verifier.Export(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, path)

	require.NoError(t, db.Exec("UPDATE audit_entries SET event_type = ? WHERE event_type = ?", "escrow.refunded", "escrow.funded").Error)
	now = now.Add(time.Minute)
	report, err = verifier.Verify(ctx)
	require.NoError(t, err)
	require.False(t, report.IsValid)
	require.Contains(t, buf.String(), "audit tamper alert")
	files, err = filepath.Glob(filepath.Join(dir, "*.parquet"))
	require.NoError(t, err)
	require.Len(t, files, 2)
}

func TestLogEvents(t *testing.T) {
	bus := events.NewBus()
	var (
		mu  sync.Mutex
		buf bytes.Buffer
	)
	logger := slog.New(slog.NewJSONHandler(&lockedWriter{mu: &mu, w: &buf}, nil))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- LogEvents(ctx, bus, logger) }()

	require.Eventually(t, func() bool {
		bus.Emit(events.Event{Type: "escrow.funded", Attributes: map[string]string{"tradeId": "trade-9"}})
		mu.Lock()
		defer mu.Unlock()
		return bytes.Contains(buf.Bytes(), []byte(`"tradeId":"trade-9"`))
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	bus.Close()
}

type lockedWriter struct {
	mu *sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
