// Package storage provides the query-capable backend the dispatcher reads
// candidates and evidence from, and the processing log it records completed
// work in.
package storage

import "context"

// WorkItem is one selectable unit of work: a contact with unprocessed,
// eligible evidence. Items are produced per fill-query page, are immutable,
// and are discarded once claimed or skipped.
type WorkItem struct {
	ContactID string
	// RankingKey is the business ordering criterion the fill query sorted
	// by (most recent evidence timestamp when recency ordering is on).
	RankingKey string
}

// EvidenceRecord is one atomic sourced record (ENI) about a contact.
type EvidenceRecord struct {
	ENIID         string
	ContactID     string
	SourceType    string
	SourceSubtype string
	Description   string
	LoggedDate    string
}

// CandidateSource produces the next page of eligible, not-yet-scheduled
// work. Offset must equal the caller's in-flight count so already-scheduled
// rows are skipped without a persisted cursor.
type CandidateSource interface {
	NextPage(ctx context.Context, offset, limit int) ([]WorkItem, error)
}

// EvidenceSource loads a contact's unprocessed eligible evidence, ordered
// by logged date descending with eni_id ascending as the tie-break.
type EvidenceSource interface {
	LoadContactEvidence(ctx context.Context, contactID string) ([]EvidenceRecord, error)
}

// Tier identifies which lookup tier of the processing log answered.
type Tier int

const (
	TierNone Tier = iota
	// TierPrimary is the datastore-backed processing log.
	TierPrimary
	// TierFallback is the local file log consulted when the primary
	// is unreachable.
	TierFallback
)

func (t Tier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierFallback:
		return "fallback"
	default:
		return "none"
	}
}

// ProcessedEntry records one ENI as processed under a generator.
type ProcessedEntry struct {
	ENIID     string
	ContactID string
	Generator string
	BatchID   string
}

// ProcessedLog tracks which ENIs have been processed so they are never
// selected again.
type ProcessedLog interface {
	// LookupProcessed returns the processed ENI ids for a contact and the
	// tier that answered. An unreachable primary falls back to the local
	// log rather than failing the caller.
	LookupProcessed(ctx context.Context, contactID string) ([]string, Tier, error)

	// MarkProcessed appends entries to the log, returning the number
	// written. Partial failure is reported through the count and error
	// together; written entries stay written.
	MarkProcessed(ctx context.Context, entries []ProcessedEntry) (int, error)
}
