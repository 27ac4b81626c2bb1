package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	coreerrors "tradeguard/core/errors"
	"tradeguard/core/events"
)

// Verify recomputes every hash of one segment and checks sequence continuity,
// previous-hash linkage, the link to the preceding segment and the seal. It
// reports every violation found. A segment with violations is halted and an
// alert is raised the first time the violation is observed.
func (l *Log) Verify(ctx context.Context, segmentID uuid.UUID) (SegmentReport, error) {
	started := time.Now()
	defer func() { l.metrics.ObserveVerify(time.Since(started)) }()

	var seg Segment
	err := l.db.WithContext(ctx).Where("id = ?", segmentID).Take(&seg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SegmentReport{}, coreerrors.NotFound(coreerrors.CodeSegmentNotFound, "audit segment %s not found", segmentID)
	}
	if err != nil {
		return SegmentReport{}, fmt.Errorf("audit: load segment: %w", err)
	}
	report, err := l.verifySegment(ctx, &seg)
	if err != nil {
		return SegmentReport{}, err
	}
	if !report.IsValid {
		l.raiseTamper(ctx, &seg, report.TamperAlerts)
		report.Halted = true
	}
	return report, nil
}

// VerifyAll verifies every segment in chain order.
func (l *Log) VerifyAll(ctx context.Context) (IntegrityReport, error) {
	segs, err := l.Segments(ctx)
	if err != nil {
		return IntegrityReport{}, err
	}
	out := IntegrityReport{
		IsValid:         true,
		CheckedAt:       canonicalTime(l.now()),
		Segments:        make([]SegmentReport, 0, len(segs)),
		InvalidEntryIDs: []string{},
		TamperAlerts:    []TamperAlert{},
	}
	for i := range segs {
		report, err := l.Verify(ctx, segs[i].ID)
		if err != nil {
			return IntegrityReport{}, err
		}
		out.Segments = append(out.Segments, report)
		out.InvalidEntryIDs = append(out.InvalidEntryIDs, report.InvalidEntryIDs...)
		out.TamperAlerts = append(out.TamperAlerts, report.TamperAlerts...)
		if !report.IsValid {
			out.IsValid = false
		}
	}
	return out, nil
}

func (l *Log) verifySegment(ctx context.Context, seg *Segment) (SegmentReport, error) {
	report := SegmentReport{
		SegmentID:       seg.ID.String(),
		Ordinal:         seg.Ordinal,
		IsValid:         true,
		InvalidEntryIDs: []string{},
		TamperAlerts:    []TamperAlert{},
		Sealed:          seg.Sealed,
		Halted:          seg.Halted,
	}
	detectedAt := canonicalTime(l.now())
	invalid := map[string]struct{}{}
	alert := func(kind string, entry *Entry, msg string) {
		a := TamperAlert{
			Type:       kind,
			Severity:   SeverityCritical,
			SegmentID:  seg.ID.String(),
			Message:    msg,
			DetectedAt: detectedAt,
		}
		if entry != nil {
			a.EntryID = entry.ID.String()
			a.SequenceNumber = entry.SequenceNumber
			if _, seen := invalid[a.EntryID]; !seen {
				invalid[a.EntryID] = struct{}{}
				report.InvalidEntryIDs = append(report.InvalidEntryIDs, a.EntryID)
			}
		}
		report.TamperAlerts = append(report.TamperAlerts, a)
		report.IsValid = false
	}

	expectedStart := GenesisHash
	if seg.Ordinal > 1 {
		var prev Segment
		err := l.db.WithContext(ctx).Where("ordinal = ?", seg.Ordinal-1).Take(&prev).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			expectedStart = ""
			alert(coreerrors.CodeSegmentLinkBreak, nil, "preceding segment missing")
		case err != nil:
			return SegmentReport{}, fmt.Errorf("audit: load preceding segment: %w", err)
		default:
			expectedStart = prev.LastHash
		}
	}
	if expectedStart != "" && seg.StartHash != expectedStart {
		alert(coreerrors.CodeSegmentLinkBreak, nil, "segment start hash does not match preceding segment head")
	}

	entries, err := l.entriesThrough(ctx, seg)
	if err != nil {
		return SegmentReport{}, err
	}
	report.EntriesChecked = len(entries)

	prevHash := seg.StartHash
	var expectedSeq int64 = 1
	for i := range entries {
		e := &entries[i]
		if e.SequenceNumber != expectedSeq {
			alert(coreerrors.CodeSequenceBreak, e, "expected sequence "+strconv.FormatInt(expectedSeq, 10)+" got "+strconv.FormatInt(e.SequenceNumber, 10))
		}
		if e.PreviousHash != prevHash {
			alert(coreerrors.CodePreviousHashMismatch, e, "previous hash does not match preceding entry")
		}
		if ComputeHash(e) != e.Hash {
			alert(coreerrors.CodeHashMismatch, e, "stored hash does not match recomputed hash")
		}
		prevHash = e.Hash
		expectedSeq = e.SequenceNumber + 1
	}

	var lastSeq int64
	if n := len(entries); n > 0 {
		lastSeq = entries[n-1].SequenceNumber
	}
	if int64(len(entries)) != seg.EntryCount || lastSeq != seg.LastSequence {
		alert(coreerrors.CodeSequenceBreak, nil, fmt.Sprintf("segment records %d entries up to sequence %d, found %d up to %d",
			seg.EntryCount, seg.LastSequence, len(entries), lastSeq))
	}
	if seg.Sealed {
		if seg.SealHash != prevHash || seg.SealHash != seg.LastHash {
			alert(coreerrors.CodeSealMismatch, nil, "seal hash does not match final entry")
		}
	} else if seg.LastHash != prevHash {
		alert(coreerrors.CodeHashMismatch, nil, "segment head hash does not match final entry")
	}
	return report, nil
}

// entriesThrough loads the entries covered by the segment row as it was read.
// A writable segment may receive appends while it is being verified; rows
// past its recorded last sequence belong to a later verification. Sealed and
// halted segments accept no appends, so every stored row is checked.
func (l *Log) entriesThrough(ctx context.Context, seg *Segment) ([]Entry, error) {
	q := l.db.WithContext(ctx).Where("segment_id = ?", seg.ID)
	if seg.Writable() {
		q = q.Where("sequence_number <= ?", seg.LastSequence)
	}
	var entries []Entry
	if err := q.Order("sequence_number ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("audit: load entries: %w", err)
	}
	return entries, nil
}

// raiseTamper halts seg and, the first time, alerts through every channel:
// the event emitter, the log, metrics and a Critical entry in a fresh segment.
func (l *Log) raiseTamper(ctx context.Context, seg *Segment, alerts []TamperAlert) {
	for _, a := range alerts {
		l.metrics.RecordTamper(a.Type)
	}
	if seg.Halted {
		return
	}

	l.mu.Lock()
	now := canonicalTime(l.now())
	res := l.db.WithContext(ctx).Model(&Segment{}).
		Where("id = ? AND halted = ?", seg.ID, false).
		Updates(map[string]any{"halted": true, "halted_at": now, "halt_reason": alerts[0].Type})
	l.mu.Unlock()
	if res.Error != nil {
		l.logger.Error("audit: halt segment failed", slog.String("segmentId", seg.ID.String()), slog.Any("error", res.Error))
		return
	}
	if res.RowsAffected == 0 {
		return
	}
	seg.Halted = true

	types := make([]string, 0, len(alerts))
	for _, a := range alerts {
		types = append(types, a.Type)
	}
	l.logger.Error("audit chain integrity violation",
		slog.String("severity_class", string(SeverityCritical)),
		slog.String("segmentId", seg.ID.String()),
		slog.Int64("ordinal", seg.Ordinal),
		slog.Any("alerts", types))

	l.emitter.Emit(events.Event{
		Type: EventTypeTamperDetected,
		Attributes: map[string]string{
			"segmentId": seg.ID.String(),
			"ordinal":   strconv.FormatInt(seg.Ordinal, 10),
			"alerts":    strconv.Itoa(len(alerts)),
			"firstType": alerts[0].Type,
		},
		OccurredAt: now,
	})

	details := map[string]any{
		"segmentId":  seg.ID.String(),
		"ordinal":    seg.Ordinal,
		"alertTypes": types,
	}
	if _, err := l.Append(ctx, Record{
		EventType: EventTypeTamperDetected,
		Severity:  SeverityCritical,
		ActorRef:  "system",
		Resource:  "audit_segment:" + seg.ID.String(),
		Action:    "verify",
		Details:   details,
	}); err != nil {
		l.logger.Error("audit: record tamper alert failed", slog.Any("error", err))
	}
}
