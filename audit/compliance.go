package audit

import (
	"sort"
	"strings"
)

// Compliance categories used for filtered export.
const (
	TagFinancial    = "FINANCIAL"
	TagPersonalData = "PERSONAL_DATA"
	TagSecurity     = "SECURITY"
)

// TagRule attaches tags to every event type with the given prefix.
type TagRule struct {
	Prefix string
	Tags   []string
}

// DefaultTagRules covers the event types written by the escrow subsystem.
// Dispute and resolution entries carry party statements and evidence, so
// escrow.disputed, escrow.dispute_rejected, escrow.resolved and
// escrow.resolve_rejected are personal data as well as financial.
var DefaultTagRules = []TagRule{
	{Prefix: "escrow.", Tags: []string{TagFinancial}},
	{Prefix: "escrow.dispute", Tags: []string{TagPersonalData}},
	{Prefix: "escrow.resolve", Tags: []string{TagPersonalData}},
	{Prefix: "security.", Tags: []string{TagSecurity}},
	{Prefix: "audit.", Tags: []string{TagSecurity}},
}

// Tagger derives compliance tags from a record.
type Tagger struct {
	rules []TagRule
}

// NewTagger builds a tagger; nil rules select DefaultTagRules.
func NewTagger(rules []TagRule) *Tagger {
	if rules == nil {
		rules = DefaultTagRules
	}
	return &Tagger{rules: rules}
}

// Tags returns the sorted, de-duplicated tag set for rec.
func (t *Tagger) Tags(rec Record) []string {
	set := map[string]struct{}{}
	for _, rule := range t.rules {
		if strings.HasPrefix(rec.EventType, rule.Prefix) {
			for _, tag := range rule.Tags {
				set[tag] = struct{}{}
			}
		}
	}
	if rec.SessionRef != "" || rec.SourceAddress != "" {
		set[TagPersonalData] = struct{}{}
	}
	if rec.Severity == SeverityWarning || rec.Severity == SeverityCritical {
		if strings.Contains(rec.EventType, "rejected") || strings.Contains(rec.EventType, "signature") {
			set[TagSecurity] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for tag := range set {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
