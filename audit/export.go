package audit

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

const maxExportLimit = 10000

// Filter narrows an export. Zero values match everything.
type Filter struct {
	SegmentID       uuid.UUID
	EventTypePrefix string
	Severity        Severity
	ActorRef        string
	Resource        string
	Tag             string
	From            time.Time
	To              time.Time
	Limit           int
	Offset          int
}

// Export returns entries matching f in chain order.
func (l *Log) Export(ctx context.Context, f Filter) ([]Entry, error) {
	q := l.db.WithContext(ctx).Model(&Entry{})
	if f.SegmentID != uuid.Nil {
		q = q.Where("segment_id = ?", f.SegmentID)
	}
	if p := strings.TrimSpace(f.EventTypePrefix); p != "" {
		q = q.Where("event_type LIKE ?", stripWildcards(p)+"%")
	}
	if f.Severity != "" {
		q = q.Where("severity = ?", f.Severity)
	}
	if f.ActorRef != "" {
		q = q.Where("actor_ref = ?", f.ActorRef)
	}
	if f.Resource != "" {
		q = q.Where("resource = ?", f.Resource)
	}
	if tag := strings.ToUpper(strings.TrimSpace(f.Tag)); tag != "" {
		q = q.Where("(',' || compliance_tags || ',') LIKE ?", "%,"+stripWildcards(tag)+",%")
	}
	if !f.From.IsZero() {
		q = q.Where("timestamp >= ?", canonicalTime(f.From))
	}
	if !f.To.IsZero() {
		q = q.Where("timestamp <= ?", canonicalTime(f.To))
	}
	limit := f.Limit
	if limit <= 0 || limit > maxExportLimit {
		limit = maxExportLimit
	}
	var entries []Entry
	err := q.Order("segment_ordinal ASC").Order("sequence_number ASC").
		Limit(limit).Offset(f.Offset).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("audit: export: %w", err)
	}
	return entries, nil
}

func stripWildcards(s string) string {
	return strings.ReplaceAll(s, "%", "")
}

type parquetEntry struct {
	ID             string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	SegmentID      string `parquet:"name=segment_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	SegmentOrdinal int64  `parquet:"name=segment_ordinal, type=INT64"`
	SequenceNumber int64  `parquet:"name=sequence_number, type=INT64"`
	EventType      string `parquet:"name=event_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Severity       string `parquet:"name=severity, type=BYTE_ARRAY, convertedtype=UTF8"`
	ActorRef       string `parquet:"name=actor_ref, type=BYTE_ARRAY, convertedtype=UTF8"`
	Resource       string `parquet:"name=resource, type=BYTE_ARRAY, convertedtype=UTF8"`
	Action         string `parquet:"name=action, type=BYTE_ARRAY, convertedtype=UTF8"`
	Details        string `parquet:"name=details, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp      string `parquet:"name=timestamp, type=BYTE_ARRAY, convertedtype=UTF8"`
	Hash           string `parquet:"name=hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	PreviousHash   string `parquet:"name=previous_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	ComplianceTags string `parquet:"name=compliance_tags, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// WriteParquet writes entries to path for compliance hand-off. Session and
// source address references are omitted from the file.
func WriteParquet(path string, entries []Entry) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetEntry), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i := range entries {
		e := &entries[i]
		row := &parquetEntry{
			ID:             e.ID.String(),
			SegmentID:      e.SegmentID.String(),
			SegmentOrdinal: e.SegmentOrdinal,
			SequenceNumber: e.SequenceNumber,
			EventType:      e.EventType,
			Severity:       string(e.Severity),
			ActorRef:       e.ActorRef,
			Resource:       e.Resource,
			Action:         e.Action,
			Details:        e.Details,
			Timestamp:      formatTimestamp(e.Timestamp),
			Hash:           e.Hash,
			PreviousHash:   e.PreviousHash,
			ComplianceTags: e.ComplianceTags,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return nil
}
