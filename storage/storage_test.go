package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/casegen/testcase"
)

func sampleCases() []testcase.TestCase {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []testcase.TestCase{
		{
			ID:             "case-1",
			Scenario:       "Submit valid form",
			Description:    "User submits a complete form",
			Precondition:   "Form is open",
			TestData:       "name=Ada",
			Steps:          []string{"1. Fill the form", "2. Press submit"},
			ExpectedResult: "Confirmation is shown",
			CreatedAt:      created,
			CreatedBy:      "casegen",
			Layer:          testcase.LayerCore,
		},
		{
			ID:             "case-2",
			Scenario:       "Submit empty form",
			Steps:          []string{"1. Press submit"},
			ExpectedResult: "Validation errors are shown",
			CreatedAt:      created,
			Layer:          testcase.LayerValidation,
		},
	}
}

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	db, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "cases.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func startJetStream(t *testing.T) *nats.Conn {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Port:      -1,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server failed to start")
	}

	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return conn
}

// backends runs fn against both stores.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) {
		fn(t, openTestSQLite(t))
	})
	t.Run("kv", func(t *testing.T) {
		kv, err := NewKV(context.Background(), startJetStream(t), "")
		require.NoError(t, err)
		fn(t, kv)
	})
}

func TestStore_SaveAndList(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveCases(ctx, "checkout", "batch-1", "Checkout", sampleCases()))

		records, err := s.ListByTarget(ctx, "checkout")
		require.NoError(t, err)
		require.Len(t, records, 2)

		byID := map[string]Record{}
		for _, r := range records {
			byID[r.ID] = r
		}
		first := byID["case-1"]
		assert.Equal(t, "batch-1", first.BatchID)
		assert.Equal(t, "Checkout", first.FeatureName)
		assert.False(t, first.AcceptedAt.IsZero())

		tc := first.TestCase()
		assert.Equal(t, sampleCases()[0].Steps, tc.Steps)
		assert.Equal(t, testcase.LayerCore, tc.Layer)
		assert.Equal(t, "name=Ada", tc.TestData)

		other, err := s.ListByTarget(ctx, "billing")
		require.NoError(t, err)
		assert.Empty(t, other)
	})
}

func TestStore_SaveIsUpsert(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		cases := sampleCases()
		require.NoError(t, s.SaveCases(ctx, "checkout", "batch-1", "Checkout", cases))

		cases[0].ExpectedResult = "Receipt is emailed"
		require.NoError(t, s.SaveCases(ctx, "checkout", "batch-2", "Checkout", cases[:1]))

		records, err := s.ListByTarget(ctx, "checkout")
		require.NoError(t, err)
		require.Len(t, records, 2)
		for _, r := range records {
			if r.ID == "case-1" {
				assert.Equal(t, "Receipt is emailed", r.ExpectedResult)
				assert.Equal(t, "batch-2", r.BatchID)
			}
		}
	})
}

func TestStore_Targets(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		cases := sampleCases()
		require.NoError(t, s.SaveCases(ctx, "web", "b", "F", cases[:1]))
		require.NoError(t, s.SaveCases(ctx, "api", "b", "F", cases[1:]))

		targets, err := s.Targets(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"api", "web"}, targets)
	})
}

func TestStore_Delete(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveCases(ctx, "checkout", "batch-1", "Checkout", sampleCases()))

		require.NoError(t, s.Delete(ctx, "case-1"))
		assert.ErrorIs(t, s.Delete(ctx, "case-1"), ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "missing"), ErrNotFound)

		records, err := s.ListByTarget(ctx, "checkout")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "case-2", records[0].ID)
	})
}

func TestStore_EmptyBackend(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		targets, err := s.Targets(context.Background())
		require.NoError(t, err)
		assert.Empty(t, targets)
	})
}

func TestOpenSQLite_RequiresPath(t *testing.T) {
	_, err := OpenSQLite(SQLiteConfig{})
	if err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestKV_ReopenExistingBucket(t *testing.T) {
	ctx := context.Background()
	conn := startJetStream(t)

	first, err := NewKV(ctx, conn, "CASES_TEST")
	require.NoError(t, err)
	require.NoError(t, first.SaveCases(ctx, "web", "b", "F", sampleCases()))

	second, err := NewKV(ctx, conn, "CASES_TEST")
	require.NoError(t, err)
	r, err := second.Get(ctx, "case-2")
	require.NoError(t, err)
	assert.Equal(t, "Submit empty form", r.Scenario)
}

func TestKV_ListSurfacesCorruptRecord(t *testing.T) {
	ctx := context.Background()
	conn := startJetStream(t)

	store, err := NewKV(ctx, conn, "CASES_CORRUPT")
	require.NoError(t, err)
	require.NoError(t, store.SaveCases(ctx, "web", "b", "F", sampleCases()))
	_, err = store.bucket.Put(ctx, "case-bad", []byte("{not json"))
	require.NoError(t, err)

	_, err = store.ListByTarget(ctx, "web")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal case case-bad")
	assert.NotErrorIs(t, err, ErrNotFound)

	_, err = store.Targets(ctx)
	assert.Error(t, err)

	// A key deleted after listing is still skipped.
	require.NoError(t, store.bucket.Delete(ctx, "case-bad"))
	records, err := store.ListByTarget(ctx, "web")
	require.NoError(t, err)
	assert.Len(t, records, len(sampleCases()))
}
