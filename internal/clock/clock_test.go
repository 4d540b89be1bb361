package clock

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type mockTimeSource struct {
	offset time.Duration
	err    error
}

func (m *mockTimeSource) ServerTime(ctx context.Context) (time.Time, error) {
	if m.err != nil {
		return time.Time{}, m.err
	}
	return time.Now().Add(m.offset), nil
}

func TestSyncMeasuresOffset(t *testing.T) {
	source := &mockTimeSource{offset: 2 * time.Second}
	sync := New(source, time.Minute, 100*time.Millisecond, zap.NewNop())

	if err := sync.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	offset, syncedAt := sync.Offset()
	if offset < 1900*time.Millisecond || offset > 2100*time.Millisecond {
		t.Fatalf("expected offset near 2s, got %s", offset)
	}
	if syncedAt.IsZero() {
		t.Fatalf("expected syncedAt to be recorded")
	}
	drift := sync.Now().Sub(time.Now().Add(2 * time.Second))
	if drift > 100*time.Millisecond || drift < -100*time.Millisecond {
		t.Fatalf("corrected Now drifts too far: %s", drift)
	}
}

func TestSyncFailureKeepsPreviousOffset(t *testing.T) {
	source := &mockTimeSource{offset: 3 * time.Second}
	sync := New(source, time.Minute, 100*time.Millisecond, zap.NewNop())
	if err := sync.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before, _ := sync.Offset()

	source.err = errors.New("venue unreachable")
	if err := sync.Sync(context.Background()); err == nil {
		t.Fatalf("expected sync error")
	}
	after, _ := sync.Offset()
	if after != before {
		t.Fatalf("failed sync must not change the offset: before=%s after=%s", before, after)
	}
}

func TestOffsetZeroBeforeFirstSync(t *testing.T) {
	sync := New(&mockTimeSource{}, time.Minute, 100*time.Millisecond, zap.NewNop())
	offset, syncedAt := sync.Offset()
	if offset != 0 || !syncedAt.IsZero() {
		t.Fatalf("expected zero state before first sync, got offset=%s syncedAt=%v", offset, syncedAt)
	}
}
