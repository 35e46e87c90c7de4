package replication

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dashkv/dash/internal/model"
	"github.com/dashkv/dash/internal/store"
	"github.com/dashkv/dash/internal/wal"
)

var errFetchBoom = errors.New("source unreachable")

type fakeSourceClient struct {
	delta  *DeltaFrame
	export *ExportFrame
	err    error
}

func (f *fakeSourceClient) FetchDelta(ctx context.Context, fromOffset int64, maxRecords int) (*DeltaFrame, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.delta, nil
}

func (f *fakeSourceClient) FetchExport(ctx context.Context) (*ExportFrame, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.export, nil
}

func claimLine(t *testing.T, id string) string {
	t.Helper()
	line, err := wal.EncodeLine(&model.WalRecord{Kind: model.WalKindClaim, Claim: &model.Claim{
		ClaimID: id, TenantID: "tenant-a", CanonicalText: "replicated claim text", Confidence: 0.6,
	}})
	require.NoError(t, err)
	return line
}

func newFollower(t *testing.T, client SourceClient) *Follower {
	t.Helper()
	dir := t.TempDir()
	w, err := wal.Open(filepath.Join(dir, "wal.log"), wal.Policy{SyncEveryRecords: 1, AppendBufferMaxRecords: 1}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return NewFollower(client, w, store.New(), 100, zerolog.Nop())
}

func TestPollOnceAppliesDeltaAndAdvancesOffset(t *testing.T) {
	client := &fakeSourceClient{delta: &DeltaFrame{
		Status: "ok", Records: 1, NextOffset: 42, Lines: []string{claimLine(t, "c1")},
	}}
	f := newFollower(t, client)

	require.NoError(t, f.PollOnce(context.Background()))

	_, ok := f.Store().Claim("c1")
	require.True(t, ok)
	require.Equal(t, int64(42), f.Stats().LastOffset)
	require.Equal(t, int64(1), f.Stats().PollSuccesses)
}

func TestPollOnceRollsBackOnInvalidLine(t *testing.T) {
	client := &fakeSourceClient{delta: &DeltaFrame{
		Status: "ok", Records: 1, NextOffset: 10,
		Lines: []string{"not a valid wal line"},
	}}
	f := newFollower(t, client)

	err := f.PollOnce(context.Background())
	require.Error(t, err)
	require.Equal(t, int64(0), f.Stats().LastOffset)
	require.Equal(t, int64(1), f.Stats().PollFailures)
}

func TestPollOnceResyncsFromExportOnNeedsResync(t *testing.T) {
	client := &fakeSourceClient{
		delta: &DeltaFrame{Status: "ok", NeedsResync: true},
		export: &ExportFrame{
			SnapshotLines: []string{claimLine(t, "snap-1")},
			WalLines:      []string{claimLine(t, "wal-1")},
		},
	}
	f := newFollower(t, client)

	require.NoError(t, f.PollOnce(context.Background()))

	_, ok := f.Store().Claim("snap-1")
	require.True(t, ok)
	_, ok = f.Store().Claim("wal-1")
	require.True(t, ok)
	require.Equal(t, int64(1), f.Stats().ResyncCount)
}

func TestPollOnceRecordsLastErrorOnFetchFailure(t *testing.T) {
	client := &fakeSourceClient{err: errFetchBoom}
	f := newFollower(t, client)

	err := f.PollOnce(context.Background())
	require.Error(t, err)
	require.Equal(t, int64(1), f.Stats().PollFailures)
	require.NotEmpty(t, f.Stats().LastError)
}
