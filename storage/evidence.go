package storage

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"

	"github.com/3i-Members/member-insights-processor-sub001/internal/filters"
	"github.com/3i-Members/member-insights-processor-sub001/internal/selection"
)

// SQLEvidenceSource loads a contact's unprocessed eligible evidence from
// the datastore.
type SQLEvidenceSource struct {
	ds            *Datastore
	evidenceTable string
	procTable     string
	generator     string
	allowedPairs  []filters.Pair
}

var _ EvidenceSource = (*SQLEvidenceSource)(nil)

func NewEvidenceSource(ds *Datastore, evidenceTable, processedTable, generator string, allowedPairs []filters.Pair) *SQLEvidenceSource {
	return &SQLEvidenceSource{
		ds:            ds,
		evidenceTable: evidenceTable,
		procTable:     processedTable,
		generator:     generator,
		allowedPairs:  allowedPairs,
	}
}

// LoadContactEvidence returns the contact's eligible ENIs not yet processed
// under this generator, newest first with eni_id ascending as the tie-break.
func (s *SQLEvidenceSource) LoadContactEvidence(ctx context.Context, contactID string) ([]EvidenceRecord, error) {
	if len(s.allowedPairs) == 0 {
		return nil, nil
	}

	query, args, err := s.ds.builder().
		Select(
			"e.eni_id",
			"e.contact_id",
			"e.eni_source_type",
			selection.NormalizedSubtype+" AS eni_source_subtype",
			"e.description",
			"e.logged_date",
		).
		From(s.evidenceTable+" AS e").
		Where(squirrel.Eq{"e.contact_id": contactID}).
		Where(squirrel.Expr("e.description IS NOT NULL AND TRIM(e.description) <> ''")).
		Where(selection.PairPredicate(s.allowedPairs)).
		Where(squirrel.Expr(
			"NOT EXISTS (SELECT 1 FROM "+s.procTable+" p WHERE p.eni_id = e.eni_id AND p.generator = ?)",
			s.generator,
		)).
		OrderBy("e.logged_date DESC", "e.eni_id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build evidence query: %w", err)
	}

	rows, err := s.ds.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	defer rows.Close()

	var records []EvidenceRecord
	for rows.Next() {
		var rec EvidenceRecord
		if err := rows.Scan(&rec.ENIID, &rec.ContactID, &rec.SourceType, &rec.SourceSubtype, &rec.Description, &rec.LoggedDate); err != nil {
			return nil, fmt.Errorf("scan evidence record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	return records, nil
}
