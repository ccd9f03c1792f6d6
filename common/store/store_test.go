package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
	})
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)

	first := Event{ID: "a", Kind: KindCommand, Name: "drowsy_on", OK: true, LatencyMs: 12, CreatedAt: base}
	second := Event{ID: "b", Kind: KindSMS, Name: "accident", OK: false, Detail: "twilio: 401", CreatedAt: base.Add(time.Second)}
	require.NoError(t, s.Record(ctx, first))
	require.NoError(t, s.Record(ctx, second))

	events, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	want := []Event{second, first}
	if diff := cmp.Diff(want, events, cmpopts.EquateApproxTime(time.Millisecond)); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestRecentLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Record(ctx, NewEvent(KindVoice, "Wake up!", true, "", time.Duration(i)*time.Millisecond)))
	}

	events, err := s.Recent(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestRecordFillsIDAndTime(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, Event{Kind: KindCall, Name: "accident"}))

	events, err := s.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
	assert.WithinDuration(t, time.Now(), events[0].CreatedAt, time.Minute)
}

func TestCountByKind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, NewEvent(KindCommand, "sign_stop", true, "", 0)))
	require.NoError(t, s.Record(ctx, NewEvent(KindCommand, "sign_speed30", false, "timeout", 0)))
	require.NoError(t, s.Record(ctx, NewEvent(KindAccident, "alert", true, "", 0)))

	counts, err := s.CountByKind(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{KindCommand: 2, KindAccident: 1}, counts)
}
