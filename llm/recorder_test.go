package llm

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Port:   -1, // Random available port
		NoLog:  true,
		NoSigs: true,
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

func TestNATSRecorder_Record(t *testing.T) {
	conn := startNATS(t)

	sub, err := conn.SubscribeSync(DefaultCallSubject + ".>")
	require.NoError(t, err)
	require.NoError(t, conn.Flush())

	rec, err := NewNATSRecorder(conn, "")
	require.NoError(t, err)

	record := &CallRecord{
		RequestID:   "req-1",
		BatchID:     "batch-1",
		FeatureID:   "feature-1",
		Purpose:     "expand",
		Endpoint:    "gpt-4o-mini",
		Model:       "gpt-4o-mini",
		Provider:    "openai",
		TotalTokens: 42,
		StartedAt:   time.Now(),
	}
	require.NoError(t, rec.Record(context.Background(), record))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, DefaultCallSubject+".batch-1", msg.Subject)

	var got CallRecord
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, "feature-1", got.FeatureID)
	assert.Equal(t, 42, got.TotalTokens)
}

func TestNATSRecorder_NoBatchUsesBaseSubject(t *testing.T) {
	conn := startNATS(t)

	sub, err := conn.SubscribeSync("custom.calls")
	require.NoError(t, err)
	require.NoError(t, conn.Flush())

	rec, err := NewNATSRecorder(conn, "custom.calls")
	require.NoError(t, err)
	require.NoError(t, rec.Record(context.Background(), &CallRecord{RequestID: "r"}))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "custom.calls", msg.Subject)
}

func TestNewNATSRecorder_RequiresConn(t *testing.T) {
	_, err := NewNATSRecorder(nil, "")
	assert.Error(t, err)
}

func TestCallContext(t *testing.T) {
	ctx := WithCallContext(context.Background(), CallContext{BatchID: "b", FeatureID: "f"})

	got := GetCallContext(ctx)
	assert.Equal(t, "b", got.BatchID)
	assert.Equal(t, "f", got.FeatureID)

	assert.Equal(t, CallContext{}, GetCallContext(context.Background()))
}

func TestSortByStartTime(t *testing.T) {
	now := time.Now()
	records := []*CallRecord{
		{RequestID: "late", StartedAt: now.Add(time.Second)},
		{RequestID: "early", StartedAt: now},
	}

	SortByStartTime(records)

	assert.Equal(t, "early", records[0].RequestID)
	assert.Equal(t, "late", records[1].RequestID)
}

func TestParseError(t *testing.T) {
	err := NewParseError("titles", "no scenarios", `{"scenarios": []}`, nil)

	assert.ErrorIs(t, err, ErrGenerationParse)
	assert.Contains(t, err.Error(), "titles")
	assert.Contains(t, err.Error(), "no scenarios")
}
