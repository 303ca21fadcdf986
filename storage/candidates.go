package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3i-Members/member-insights-processor-sub001/internal/selection"
)

// SQLCandidateSource answers fill queries from the datastore using the
// selection builder.
type SQLCandidateSource struct {
	ds      *Datastore
	builder *selection.Builder
}

var _ CandidateSource = (*SQLCandidateSource)(nil)

// NewCandidateSource binds a selection builder to the datastore. The
// builder's placeholder format must match the datastore engine; callers
// construct it with ds.Placeholder.
func NewCandidateSource(ds *Datastore, builder *selection.Builder) *SQLCandidateSource {
	return &SQLCandidateSource{ds: ds, builder: builder}
}

// NextPage runs the fill query for the window [offset, offset+limit).
// A builder failure is returned as-is (fatal configuration error); a query
// transport failure is wrapped in ErrConnectivity so the caller can treat
// it as an empty cycle and retry later.
func (s *SQLCandidateSource) NextPage(ctx context.Context, offset, limit int) ([]WorkItem, error) {
	query, args, err := s.builder.Build(offset, limit)
	if err != nil {
		return nil, err
	}

	rows, err := s.ds.DB.QueryContext(ctx, query, args...)
	if err != nil {
		s.ds.Logger.Warn("fill query failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	defer rows.Close()

	var items []WorkItem
	for rows.Next() {
		var item WorkItem
		if err := rows.Scan(&item.ContactID, &item.RankingKey); err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	return items, nil
}
