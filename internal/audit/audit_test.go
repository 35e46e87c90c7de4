package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordChainsHashesAndVerifyPasses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, l.Record(Event{Action: "ingest", TenantID: "tenant-a", Status: 200, Outcome: "ok"}))
	require.NoError(t, l.Record(Event{Action: "ingest", TenantID: "tenant-a", ClaimID: "c1", Status: 409, Outcome: "conflict", Reason: "duplicate claim_id"}))
	require.NoError(t, l.Close())

	ok, err := Verify(path)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Record(Event{Action: "ingest", TenantID: "tenant-a", Status: 200, Outcome: "ok"}))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := []byte(strings.Replace(string(data), `"outcome":"ok"`, `"outcome":"tampered"`, 1))
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	ok, err := Verify(path)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOpenResumesSequenceAndHashChainAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Record(Event{Action: "ingest", TenantID: "tenant-a", Status: 200, Outcome: "ok"}))
	require.NoError(t, l.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, uint64(1), l2.seq)
	require.NoError(t, l2.Record(Event{Action: "ingest", TenantID: "tenant-a", Status: 200, Outcome: "ok"}))
	require.NoError(t, l2.Close())

	ok, err := Verify(path)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNilLogRecordIsNoOp(t *testing.T) {
	var l *Log
	require.NoError(t, l.Record(Event{Action: "ingest"}))
	require.NoError(t, l.Close())
}
