// Package selection renders the fill query: the deterministic, parameterized
// selection of the next page of eligible contacts.
package selection

import (
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/3i-Members/member-insights-processor-sub001/internal/filters"
)

// ErrBadTemplate reports an unusable builder configuration. It is a fatal
// configuration error; the run must not start.
var ErrBadTemplate = errors.New("invalid selection template")

// Eligibility predicate constants. Membership rows must carry this status
// and be flagged accountable for their contact to be selectable.
const (
	SignedMemberStatus = "Signed Member"
)

// Config parameterizes the fill query.
type Config struct {
	// EvidenceTable holds one row per ENI (sourced evidence record).
	EvidenceTable string
	// MembershipTable holds contact membership status.
	MembershipTable string
	// ProcessedTable is the processing log the query anti-joins against.
	ProcessedTable string

	// Generator tags which prompt/generator the processing log rows belong to.
	Generator string

	// JobStartTime guards against re-selecting contacts a cooperating
	// dispatcher already completed during this job window.
	JobStartTime time.Time

	// AllowedPairs restricts evidence to these (type, subtype) combinations.
	// An empty set short-circuits to a query that returns no rows.
	AllowedPairs []filters.Pair

	// PrioritizeRecent orders contacts by most recent evidence first.
	// When false the ordering is contact_id ascending only.
	PrioritizeRecent bool

	// Placeholder must match the backing engine ($n for postgres,
	// ? for mysql and sqlite).
	Placeholder squirrel.PlaceholderFormat
}

// Builder renders fill queries for successive dispatch cycles. It is
// immutable after construction and safe for concurrent use.
type Builder struct {
	cfg Config
}

// NewBuilder validates the configuration and returns a Builder.
func NewBuilder(cfg Config) (*Builder, error) {
	if cfg.EvidenceTable == "" || cfg.MembershipTable == "" || cfg.ProcessedTable == "" {
		return nil, fmt.Errorf("%w: evidence, membership and processed table names are required", ErrBadTemplate)
	}
	if cfg.Generator == "" {
		return nil, fmt.Errorf("%w: generator tag is required", ErrBadTemplate)
	}
	if cfg.JobStartTime.IsZero() {
		return nil, fmt.Errorf("%w: job start time is required", ErrBadTemplate)
	}
	if cfg.Placeholder == nil {
		cfg.Placeholder = squirrel.Question
	}
	return &Builder{cfg: cfg}, nil
}

// NormalizedSubtype folds NULL and blank subtypes into the sentinel so pair
// membership never compares against SQL NULL. The evidence table must be
// aliased "e".
const NormalizedSubtype = "COALESCE(NULLIF(TRIM(e.eni_source_subtype), ''), '" + filters.NullSubtype + "')"

// PairPredicate renders the allowed-pairs membership test as a
// bound-parameter OR over (type, normalized subtype) equality.
func PairPredicate(pairs []filters.Pair) squirrel.Sqlizer {
	pred := make(squirrel.Or, 0, len(pairs))
	for _, p := range pairs {
		pred = append(pred, squirrel.And{
			squirrel.Eq{"e.eni_source_type": p.SourceType},
			squirrel.Expr(NormalizedSubtype+" = ?", p.SourceSubtype),
		})
	}
	return pred
}

// Build renders the fill query for one cycle.
//
// Pagination contract: offset is the caller's current in-flight count and
// limit the remaining capacity, so the first offset ranked rows (already
// scheduled) are skipped and up to limit new contacts are returned. Ordering
// is stable across calls: ranking criterion first, contact_id ascending as
// the tie-break.
func (b *Builder) Build(offset, limit int) (string, []any, error) {
	if offset < 0 || limit <= 0 {
		return "", nil, fmt.Errorf("%w: offset must be >= 0 and limit > 0, got offset=%d limit=%d", ErrBadTemplate, offset, limit)
	}

	if len(b.cfg.AllowedPairs) == 0 {
		// Nothing is selectable; render a constant-false query so the
		// backend never scans the evidence table.
		return squirrel.StatementBuilder.PlaceholderFormat(b.cfg.Placeholder).
			Select("e.contact_id", "e.logged_date").
			From(b.cfg.EvidenceTable + " AS e").
			Where(squirrel.Expr("1 = 0")).
			Limit(0).
			ToSql()
	}

	sb := squirrel.StatementBuilder.PlaceholderFormat(b.cfg.Placeholder).
		Select("e.contact_id", "MAX(e.logged_date) AS latest_logged_date").
		From(b.cfg.EvidenceTable + " AS e").
		Join(b.cfg.MembershipTable + " AS m ON m.contact_id = e.contact_id").
		Where(squirrel.Eq{"m.membership_status": SignedMemberStatus}).
		Where(squirrel.Eq{"m.is_accountable": true}).
		Where(PairPredicate(b.cfg.AllowedPairs)).
		// Per-ENI exclusion: evidence already processed under this
		// generator never re-qualifies a contact.
		Where(squirrel.Expr(
			"NOT EXISTS (SELECT 1 FROM "+b.cfg.ProcessedTable+" p WHERE p.eni_id = e.eni_id AND p.generator = ?)",
			b.cfg.Generator,
		)).
		// Contact-level guard: a contact completed at or after the job
		// start was handled by a cooperating dispatcher in this window.
		// processed_at is stored as unix seconds.
		Where(squirrel.Expr(
			"NOT EXISTS (SELECT 1 FROM "+b.cfg.ProcessedTable+" p WHERE p.contact_id = e.contact_id AND p.generator = ? AND p.processed_at >= ?)",
			b.cfg.Generator, b.cfg.JobStartTime.UTC().Unix(),
		)).
		GroupBy("e.contact_id").
		Limit(uint64(limit)).
		Offset(uint64(offset))

	if b.cfg.PrioritizeRecent {
		sb = sb.OrderBy("latest_logged_date DESC", "e.contact_id ASC")
	} else {
		sb = sb.OrderBy("e.contact_id ASC")
	}

	return sb.ToSql()
}
