package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"tradeguard/audit"
	"tradeguard/core/events"
)

// Expirer closes escrows past their deadline.
type Expirer interface {
	ExpireOverdue(ctx context.Context, limit int) (int, error)
}

// Auditor verifies and exports the audit chain.
type Auditor interface {
	VerifyAll(ctx context.Context) (audit.IntegrityReport, error)
	Export(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
}

// every runs fn on each tick until ctx is cancelled. The first run happens
// after one interval.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// SweeperConfig configures the expiry sweeper.
type SweeperConfig struct {
	Expirer  Expirer
	Interval time.Duration
	Batch    int
	Logger   *slog.Logger
}

// Sweeper periodically expires overdue escrows.
type Sweeper struct {
	expirer  Expirer
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

// NewSweeper constructs a sweeper with sane defaults.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	batch := cfg.Batch
	if batch <= 0 {
		batch = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{expirer: cfg.Expirer, interval: interval, batch: batch, logger: logger}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	return every(ctx, s.interval, func(ctx context.Context) { s.Sweep(ctx) })
}

// Sweep runs one pass and returns the number of escrows expired.
func (s *Sweeper) Sweep(ctx context.Context) int {
	n, err := s.expirer.ExpireOverdue(ctx, s.batch)
	if err != nil {
		s.logger.Error("expiry sweep failed", slog.Any("error", err))
		return n
	}
	if n > 0 {
		s.logger.Info("expiry sweep", slog.Int("expired", n))
	}
	return n
}

// VerifierConfig configures the periodic chain verification.
type VerifierConfig struct {
	Auditor  Auditor
	Interval time.Duration
	// ExportDir receives a Parquet file of the entries appended since the
	// previous clean verification. Empty disables exports.
	ExportDir string
	Now       func() time.Time
	Logger    *slog.Logger
}

// Verifier walks the whole audit chain on a fixed cadence.
type Verifier struct {
	auditor   Auditor
	interval  time.Duration
	exportDir string
	now       func() time.Time
	logger    *slog.Logger

	exportedUntil time.Time
}

// NewVerifier constructs a verifier with sane defaults.
func NewVerifier(cfg VerifierConfig) *Verifier {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		auditor:   cfg.Auditor,
		interval:  interval,
		exportDir: cfg.ExportDir,
		now:       now,
		logger:    logger,
	}
}

// Run verifies until ctx is cancelled.
func (v *Verifier) Run(ctx context.Context) error {
	return every(ctx, v.interval, func(ctx context.Context) {
		if _, err := v.Verify(ctx); err != nil {
			v.logger.Error("audit verification failed", slog.Any("error", err))
		}
	})
}

// Verify runs one verification. Tampering is logged at error level with
// every alert; exports only follow a clean chain.
func (v *Verifier) Verify(ctx context.Context) (audit.IntegrityReport, error) {
	report, err := v.auditor.VerifyAll(ctx)
	if err != nil {
		return report, err
	}
	if !report.IsValid {
		for _, alert := range report.TamperAlerts {
			v.logger.Error("audit tamper alert",
				slog.String("type", alert.Type),
				slog.String("severity", string(alert.Severity)),
				slog.String("segmentId", alert.SegmentID),
				slog.String("entryId", alert.EntryID),
				slog.String("message", alert.Message))
		}
		return report, nil
	}
	v.logger.Info("audit chain verified", slog.Int("segments", len(report.Segments)))
	if v.exportDir != "" {
		if _, err := v.Export(ctx); err != nil {
			return report, err
		}
	}
	return report, nil
}

// Export writes the entries recorded since the last export to a new Parquet
// file and returns its path, or "" when nothing new was recorded.
func (v *Verifier) Export(ctx context.Context) (string, error) {
	until := v.now().UTC()
	var entries []audit.Entry
	for offset := 0; ; {
		page, err := v.auditor.Export(ctx, audit.Filter{From: v.exportedUntil, To: until, Offset: offset})
		if err != nil {
			return "", err
		}
		for _, e := range page {
			if e.Timestamp.After(v.exportedUntil) || v.exportedUntil.IsZero() {
				entries = append(entries, e)
			}
		}
		if len(page) == 0 {
			break
		}
		offset += len(page)
	}
	if len(entries) == 0 {
		v.exportedUntil = until
		return "", nil
	}
	if err := os.MkdirAll(v.exportDir, 0o750); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(v.exportDir, fmt.Sprintf("audit-%s.parquet", until.Format("20060102T150405Z")))
	if err := audit.WriteParquet(path, entries); err != nil {
		return "", err
	}
	v.exportedUntil = until
	v.logger.Info("audit export written", slog.String("path", path), slog.Int("entries", len(entries)))
	return path, nil
}

// LogEvents writes every bus event to logger until ctx is cancelled or the
// bus closes.
func LogEvents(ctx context.Context, bus *events.Bus, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	sub := bus.Subscribe(0, nil)
	defer sub.Close()
	events.Drain(ctx, sub, func(evt events.Event) {
		attrs := []any{slog.String("type", evt.Type), slog.Time("occurredAt", evt.OccurredAt)}
		for _, key := range evt.Keys() {
			attrs = append(attrs, slog.String(key, evt.Attribute(key)))
		}
		logger.Info("domain event", attrs...)
	})
	return nil
}
