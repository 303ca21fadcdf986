package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testEvidenceTable   = "structured_data"
	testMembershipTable = "member_profiles"
	testProcessedTable  = "insights_processing_log"
	testGenerator       = "member_insights_v1"
)

// newTestDatastore opens a throwaway sqlite datastore with the evidence and
// membership schema installed.
func newTestDatastore(t *testing.T) *Datastore {
	t.Helper()

	ds, err := NewDatastore("sqlite", filepath.Join(t.TempDir(), "insights.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })

	ctx := context.Background()
	for _, ddl := range []string{
		`CREATE TABLE ` + testEvidenceTable + ` (
			eni_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			eni_source_type TEXT,
			eni_source_subtype TEXT,
			description TEXT,
			logged_date TEXT NOT NULL,
			PRIMARY KEY (eni_id)
		)`,
		`CREATE TABLE ` + testMembershipTable + ` (
			contact_id TEXT NOT NULL,
			membership_status TEXT NOT NULL,
			is_accountable BOOLEAN NOT NULL,
			PRIMARY KEY (contact_id)
		)`,
	} {
		_, err := ds.DB.ExecContext(ctx, ddl)
		require.NoError(t, err)
	}

	log := NewSQLProcessedLog(ds, testProcessedTable)
	require.NoError(t, log.EnsureSchema(ctx))
	return ds
}

func seedMember(t *testing.T, ds *Datastore, contactID, status string, accountable bool) {
	t.Helper()
	_, err := ds.DB.Exec(
		`INSERT INTO `+testMembershipTable+` (contact_id, membership_status, is_accountable) VALUES (?, ?, ?)`,
		contactID, status, accountable,
	)
	require.NoError(t, err)
}

func seedEvidence(t *testing.T, ds *Datastore, eniID, contactID, sourceType, sourceSubtype, description, loggedDate string) {
	t.Helper()
	_, err := ds.DB.Exec(
		`INSERT INTO `+testEvidenceTable+` (eni_id, contact_id, eni_source_type, eni_source_subtype, description, logged_date) VALUES (?, ?, ?, ?, ?, ?)`,
		eniID, contactID, sourceType, sourceSubtype, description, loggedDate,
	)
	require.NoError(t, err)
}

func TestNewDatastoreRejectsUnknownEngine(t *testing.T) {
	_, err := NewDatastore("oracle", "oracle://nowhere")
	require.ErrorContains(t, err, "undefined datastore engine")
}
