package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/require"

	"github.com/3i-Members/member-insights-processor-sub001/internal/filters"
	"github.com/3i-Members/member-insights-processor-sub001/internal/selection"
)

func testPairs() []filters.Pair {
	return []filters.Pair{
		{SourceType: "note", SourceSubtype: filters.NullSubtype},
		{SourceType: "note", SourceSubtype: "call"},
		{SourceType: "email", SourceSubtype: filters.NullSubtype},
	}
}

func newTestCandidateSource(t *testing.T, ds *Datastore, jobStart time.Time, pairs []filters.Pair) *SQLCandidateSource {
	t.Helper()
	builder, err := selection.NewBuilder(selection.Config{
		EvidenceTable:    testEvidenceTable,
		MembershipTable:  testMembershipTable,
		ProcessedTable:   testProcessedTable,
		Generator:        testGenerator,
		JobStartTime:     jobStart,
		AllowedPairs:     pairs,
		PrioritizeRecent: true,
		Placeholder:      squirrel.Question,
	})
	require.NoError(t, err)
	return NewCandidateSource(ds, builder)
}

func contactIDs(items []WorkItem) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ContactID)
	}
	return ids
}

func TestNextPageEligibilityAndOrdering(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	seedMember(t, ds, "C-0001", "Signed Member", true)
	seedMember(t, ds, "C-0002", "Signed Member", true)
	seedMember(t, ds, "C-0003", "Prospect", true)       // wrong status
	seedMember(t, ds, "C-0004", "Signed Member", false) // not accountable
	seedMember(t, ds, "C-0005", "Signed Member", true)

	seedEvidence(t, ds, "ENI-0001", "C-0001", "note", "call", "spoke about renewal", "2026-03-01")
	seedEvidence(t, ds, "ENI-0002", "C-0002", "note", "", "intro call", "2026-05-01")
	seedEvidence(t, ds, "ENI-0003", "C-0003", "note", "call", "ineligible status", "2026-06-01")
	seedEvidence(t, ds, "ENI-0004", "C-0004", "note", "call", "not accountable", "2026-06-01")
	seedEvidence(t, ds, "ENI-0005", "C-0005", "sms", "", "disallowed source type", "2026-06-01")

	src := newTestCandidateSource(t, ds, time.Now(), testPairs())
	items, err := src.NextPage(ctx, 0, 10)
	require.NoError(t, err)

	// Recency ordering: C-0002's evidence is newer than C-0001's.
	require.Equal(t, []string{"C-0002", "C-0001"}, contactIDs(items))
	require.Equal(t, "2026-05-01", items[0].RankingKey)
}

func TestNextPageContactIDTieBreak(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	for _, id := range []string{"C-0003", "C-0001", "C-0002"} {
		seedMember(t, ds, id, "Signed Member", true)
		seedEvidence(t, ds, "ENI-"+id, id, "note", "call", "same day", "2026-05-01")
	}

	src := newTestCandidateSource(t, ds, time.Now(), testPairs())
	items, err := src.NextPage(ctx, 0, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"C-0001", "C-0002", "C-0003"}, contactIDs(items))
}

func TestNextPageWindowPartitionsRanking(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		id := contactID(i)
		seedMember(t, ds, id, "Signed Member", true)
		seedEvidence(t, ds, "ENI-"+id, id, "note", "call", "evidence", "2026-05-01")
	}

	src := newTestCandidateSource(t, ds, time.Now(), testPairs())

	full, err := src.NextPage(ctx, 0, 5)
	require.NoError(t, err)
	require.Len(t, full, 5)

	// Asking again with offset = number already scheduled yields exactly
	// the remainder of the same ranking.
	first, err := src.NextPage(ctx, 0, 2)
	require.NoError(t, err)
	rest, err := src.NextPage(ctx, 2, 3)
	require.NoError(t, err)

	require.Equal(t, contactIDs(full), append(contactIDs(first), contactIDs(rest)...))

	// Past the end of the ranking the page is empty.
	empty, err := src.NextPage(ctx, 5, 3)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestNextPageExcludesProcessedEvidence(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	seedMember(t, ds, "C-0001", "Signed Member", true)
	seedEvidence(t, ds, "ENI-0001", "C-0001", "note", "call", "already handled", "2026-05-01")
	seedEvidence(t, ds, "ENI-0002", "C-0001", "note", "call", "still pending", "2026-04-01")

	log := NewSQLProcessedLog(ds, testProcessedTable)
	jobStart := time.Now().Add(time.Hour) // keep the contact-level guard out of the way

	written, err := log.MarkProcessed(ctx, []ProcessedEntry{
		{ENIID: "ENI-0001", ContactID: "C-0001", Generator: testGenerator, BatchID: "batch-1"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, written)

	src := newTestCandidateSource(t, ds, jobStart, testPairs())
	items, err := src.NextPage(ctx, 0, 10)
	require.NoError(t, err)

	// Still selected because ENI-0002 is unprocessed, ranked by the
	// remaining evidence only.
	require.Equal(t, []string{"C-0001"}, contactIDs(items))
	require.Equal(t, "2026-04-01", items[0].RankingKey)

	written, err = log.MarkProcessed(ctx, []ProcessedEntry{
		{ENIID: "ENI-0002", ContactID: "C-0001", Generator: testGenerator, BatchID: "batch-1"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, written)

	items, err = src.NextPage(ctx, 0, 10)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestNextPageJobWindowGuard(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	seedMember(t, ds, "C-0001", "Signed Member", true)
	seedEvidence(t, ds, "ENI-0001", "C-0001", "note", "call", "pending", "2026-05-01")

	log := NewSQLProcessedLog(ds, testProcessedTable)
	// A cooperating dispatcher completes a different ENI for this contact
	// during the current job window.
	_, err := log.MarkProcessed(ctx, []ProcessedEntry{
		{ENIID: "ENI-9999", ContactID: "C-0001", Generator: testGenerator, BatchID: "batch-other"},
	})
	require.NoError(t, err)

	src := newTestCandidateSource(t, ds, time.Now().Add(-time.Minute), testPairs())
	items, err := src.NextPage(ctx, 0, 10)
	require.NoError(t, err)
	require.Empty(t, items)

	// With a job window starting after that completion the guard no
	// longer applies and the per-ENI exclusion alone decides.
	src = newTestCandidateSource(t, ds, time.Now().Add(time.Hour), testPairs())
	items, err = src.NextPage(ctx, 0, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"C-0001"}, contactIDs(items))
}

func TestNextPageEmptyPairSetReturnsNothing(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	seedMember(t, ds, "C-0001", "Signed Member", true)
	seedEvidence(t, ds, "ENI-0001", "C-0001", "note", "call", "evidence", "2026-05-01")

	src := newTestCandidateSource(t, ds, time.Now(), nil)
	items, err := src.NextPage(ctx, 0, 10)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestNextPageConnectivityFailure(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	_, err := ds.DB.ExecContext(ctx, "DROP TABLE "+testEvidenceTable)
	require.NoError(t, err)

	src := newTestCandidateSource(t, ds, time.Now(), testPairs())
	_, err = src.NextPage(ctx, 0, 10)
	require.ErrorIs(t, err, ErrConnectivity)
}

func TestNextPageRejectsBadWindow(t *testing.T) {
	ds := newTestDatastore(t)

	src := newTestCandidateSource(t, ds, time.Now(), testPairs())
	_, err := src.NextPage(context.Background(), -1, 10)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrConnectivity)

	_, err = src.NextPage(context.Background(), 0, 0)
	require.Error(t, err)
}

func contactID(n int) string {
	return fmt.Sprintf("C-%04d", n)
}
