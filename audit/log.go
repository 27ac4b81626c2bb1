package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradeguard/core/events"
	"tradeguard/observability"
)

// DefaultMaxEntriesPerSegment bounds a segment before it is sealed.
const DefaultMaxEntriesPerSegment = 10000

const EventTypeTamperDetected = "audit.tamper_detected"

var (
	errMissingEventType = errors.New("audit: event type required")
	errMissingAction    = errors.New("audit: action required")
)

// Option customises the log.
type Option func(*Log)

// WithMaxEntriesPerSegment overrides the sealing threshold.
func WithMaxEntriesPerSegment(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.maxEntries = int64(n)
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// WithEmitter publishes tamper alerts.
func WithEmitter(emitter events.Emitter) Option {
	return func(l *Log) {
		if emitter != nil {
			l.emitter = emitter
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithTagger replaces the compliance tagger.
func WithTagger(t *Tagger) Option {
	return func(l *Log) {
		if t != nil {
			l.tagger = t
		}
	}
}

// Log is the append-only, hash-chained audit store. Appends are serialised by
// a single writer lock and every append reads the chain head inside its own
// transaction, so two entries can never share a previous hash.
type Log struct {
	db         *gorm.DB
	mu         sync.Mutex
	maxEntries int64
	now        func() time.Time
	emitter    events.Emitter
	logger     *slog.Logger
	tagger     *Tagger
	metrics    *observability.AuditMetrics
}

// New constructs an audit log over db.
func New(db *gorm.DB, opts ...Option) *Log {
	l := &Log{
		db:         db,
		maxEntries: DefaultMaxEntriesPerSegment,
		now:        time.Now,
		emitter:    events.NoopEmitter{},
		logger:     slog.Default(),
		tagger:     NewTagger(nil),
		metrics:    observability.Audit(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Migrate creates the audit tables.
func (l *Log) Migrate(ctx context.Context) error {
	return l.db.WithContext(ctx).AutoMigrate(Models()...)
}

// Append writes rec as the next entry of the chain and returns its id.
func (l *Log) Append(ctx context.Context, rec Record) (string, error) {
	return l.AppendWith(ctx, rec, nil)
}

// AppendWith runs fn and the append in one transaction. If fn fails nothing is
// written and its error is returned unchanged.
func (l *Log) AppendWith(ctx context.Context, rec Record, fn func(tx *gorm.DB) error) (string, error) {
	if strings.TrimSpace(rec.EventType) == "" {
		return "", errMissingEventType
	}
	if strings.TrimSpace(rec.Action) == "" {
		return "", errMissingAction
	}
	if rec.Severity == "" {
		rec.Severity = SeverityInfo
	}
	if !rec.Severity.Valid() {
		return "", fmt.Errorf("audit: unknown severity %q", rec.Severity)
	}
	details, err := CanonicalDetails(rec.Details)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		entry  Entry
		sealed bool
	)
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if fn != nil {
			if err := fn(tx); err != nil {
				return err
			}
		}
		seg, err := l.writableSegment(tx)
		if err != nil {
			return err
		}
		ts := canonicalTime(l.now())
		entry = Entry{
			ID:             uuid.New(),
			SegmentID:      seg.ID,
			SegmentOrdinal: seg.Ordinal,
			SequenceNumber: seg.LastSequence + 1,
			EventType:      rec.EventType,
			Severity:       rec.Severity,
			ActorRef:       rec.ActorRef,
			SessionRef:     rec.SessionRef,
			SourceAddress:  rec.SourceAddress,
			Resource:       rec.Resource,
			Action:         rec.Action,
			Details:        details,
			Timestamp:      ts,
			PreviousHash:   seg.LastHash,
			ComplianceTags: strings.Join(l.tagger.Tags(rec), ","),
		}
		entry.Hash = ComputeHash(&entry)
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("audit: insert entry: %w", err)
		}

		updates := map[string]any{
			"entry_count":   seg.EntryCount + 1,
			"last_sequence": entry.SequenceNumber,
			"last_hash":     entry.Hash,
		}
		if seg.EntryCount+1 >= l.maxEntries {
			updates["sealed"] = true
			updates["sealed_at"] = ts
			updates["seal_hash"] = entry.Hash
			sealed = true
		}
		if err := tx.Model(&Segment{}).Where("id = ?", seg.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("audit: advance segment: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	l.metrics.RecordAppend(string(entry.Severity))
	if sealed {
		l.metrics.RecordSeal()
		l.logger.Info("audit segment sealed",
			slog.Int64("ordinal", entry.SegmentOrdinal),
			slog.String("segmentId", entry.SegmentID.String()),
			slog.String("sealHash", entry.Hash))
	}
	return entry.ID.String(), nil
}

// writableSegment returns the segment the next entry belongs to, opening a
// new one chained from the previous head when the head is sealed or halted.
func (l *Log) writableSegment(tx *gorm.DB) (*Segment, error) {
	var head Segment
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Order("ordinal DESC").
		Limit(1).
		Take(&head).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return l.openSegment(tx, 1, GenesisHash)
	case err != nil:
		return nil, fmt.Errorf("audit: load head segment: %w", err)
	}
	if head.Writable() {
		return &head, nil
	}
	return l.openSegment(tx, head.Ordinal+1, head.LastHash)
}

func (l *Log) openSegment(tx *gorm.DB, ordinal int64, startHash string) (*Segment, error) {
	seg := &Segment{
		ID:        uuid.New(),
		Ordinal:   ordinal,
		StartHash: startHash,
		LastHash:  startHash,
		CreatedAt: canonicalTime(l.now()),
	}
	if err := tx.Create(seg).Error; err != nil {
		return nil, fmt.Errorf("audit: open segment: %w", err)
	}
	return seg, nil
}

// Segments lists every segment in chain order.
func (l *Log) Segments(ctx context.Context) ([]Segment, error) {
	var segs []Segment
	if err := l.db.WithContext(ctx).Order("ordinal ASC").Find(&segs).Error; err != nil {
		return nil, fmt.Errorf("audit: list segments: %w", err)
	}
	return segs, nil
}

// Head returns the newest segment, or nil when the chain is empty.
func (l *Log) Head(ctx context.Context) (*Segment, error) {
	var seg Segment
	err := l.db.WithContext(ctx).Order("ordinal DESC").Limit(1).Take(&seg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: load head: %w", err)
	}
	return &seg, nil
}

// Entries returns the entries of one segment ordered by sequence number.
func (l *Log) Entries(ctx context.Context, segmentID uuid.UUID) ([]Entry, error) {
	var entries []Entry
	err := l.db.WithContext(ctx).
		Where("segment_id = ?", segmentID).
		Order("sequence_number ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("audit: load entries: %w", err)
	}
	return entries, nil
}
