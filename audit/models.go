package audit

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity grades an audit entry.
type Severity string

const (
	SeverityInfo     Severity = "Info"
	SeverityWarning  Severity = "Warning"
	SeverityError    Severity = "Error"
	SeverityCritical Severity = "Critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// GenesisHash is the previous hash of the first entry of the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Segment is a bounded run of chained entries. Sealed segments never accept
// further entries; halted segments were found tampered with and are frozen
// pending investigation.
type Segment struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Ordinal      int64     `gorm:"uniqueIndex;not null"`
	StartHash    string    `gorm:"size:64;not null"`
	EntryCount   int64     `gorm:"not null"`
	LastSequence int64     `gorm:"not null"`
	LastHash     string    `gorm:"size:64;not null"`
	Sealed       bool      `gorm:"not null;default:false"`
	SealedAt     *time.Time
	SealHash     string `gorm:"size:64"`
	Halted       bool   `gorm:"not null;default:false"`
	HaltedAt     *time.Time
	HaltReason   string `gorm:"size:255"`
	CreatedAt    time.Time
}

// TableName pins the table name.
func (Segment) TableName() string { return "audit_segments" }

// Writable reports whether new entries may be appended.
func (s *Segment) Writable() bool { return s != nil && !s.Sealed && !s.Halted }

// Entry is a persisted, hash-chained audit record.
type Entry struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	SegmentID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_audit_segment_sequence,priority:1"`
	SegmentOrdinal int64     `gorm:"not null;index"`
	SequenceNumber int64     `gorm:"not null;uniqueIndex:idx_audit_segment_sequence,priority:2"`
	EventType      string    `gorm:"size:96;not null;index"`
	Severity       Severity  `gorm:"size:16;not null;index"`
	ActorRef       string    `gorm:"size:128;index"`
	SessionRef     string    `gorm:"size:128"`
	SourceAddress  string    `gorm:"size:128"`
	Resource       string    `gorm:"size:128;index"`
	Action         string    `gorm:"size:64;not null"`
	Details        string    `gorm:"type:text;not null"`
	Timestamp      time.Time `gorm:"not null;index"`
	Hash           string    `gorm:"size:64;not null"`
	PreviousHash   string    `gorm:"size:64;not null"`
	ComplianceTags string    `gorm:"size:128"`
}

// TableName pins the table name.
func (Entry) TableName() string { return "audit_entries" }

// Tags returns the compliance tags as a slice.
func (e Entry) Tags() []string {
	if strings.TrimSpace(e.ComplianceTags) == "" {
		return nil
	}
	return strings.Split(e.ComplianceTags, ",")
}

// Record is the input to Append.
type Record struct {
	EventType     string
	Severity      Severity
	ActorRef      string
	SessionRef    string
	SourceAddress string
	Resource      string
	Action        string
	Details       map[string]any
}

// TamperAlert describes one integrity violation.
type TamperAlert struct {
	Type           string    `json:"type"`
	Severity       Severity  `json:"severity"`
	SegmentID      string    `json:"segmentId"`
	EntryID        string    `json:"entryId,omitempty"`
	SequenceNumber int64     `json:"sequenceNumber,omitempty"`
	Message        string    `json:"message"`
	DetectedAt     time.Time `json:"detectedAt"`
}

// SegmentReport is the verification outcome for one segment.
type SegmentReport struct {
	SegmentID       string        `json:"segmentId"`
	Ordinal         int64         `json:"ordinal"`
	IsValid         bool          `json:"isValid"`
	EntriesChecked  int           `json:"entriesChecked"`
	InvalidEntryIDs []string      `json:"invalidEntryIds"`
	TamperAlerts    []TamperAlert `json:"tamperAlerts"`
	Sealed          bool          `json:"sealed"`
	Halted          bool          `json:"halted"`
}

// IntegrityReport aggregates verification over every segment.
type IntegrityReport struct {
	IsValid         bool            `json:"isValid"`
	CheckedAt       time.Time       `json:"checkedAt"`
	Segments        []SegmentReport `json:"segments"`
	InvalidEntryIDs []string        `json:"invalidEntryIds"`
	TamperAlerts    []TamperAlert   `json:"tamperAlerts"`
}

// Models lists the tables owned by the audit log for AutoMigrate.
func Models() []any {
	return []any{&Segment{}, &Entry{}}
}
