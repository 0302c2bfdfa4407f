package db_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"preflight-alerting/internal/db"
	"preflight-alerting/internal/store"
	"preflight-alerting/internal/store/storetest"
)

const truncateAll = `
TRUNCATE run_observations, alerts, silences, acknowledgements,
	delivery_attempts, notification_outbox, audit_events, scheduler_leases CASCADE`

// openTestDB connects to TEST_DB_DSN and applies the schema. Every table is
// truncated, so point it at a throwaway database.
func openTestDB(t *testing.T) *db.DB {
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN not set")
	}
	ctx := context.Background()
	d, err := db.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	require.NoError(t, d.Migrate(ctx))
	return d
}

func TestDB_Contract(t *testing.T) {
	d := openTestDB(t)
	storetest.Run(t, func(t *testing.T) store.Store {
		_, err := d.Pool.Exec(context.Background(), truncateAll)
		require.NoError(t, err)
		return d
	})
}

func TestDB_LeaseContract(t *testing.T) {
	d := openTestDB(t)
	_, err := d.Pool.Exec(context.Background(), truncateAll)
	require.NoError(t, err)
	storetest.RunLease(t, d)
}
