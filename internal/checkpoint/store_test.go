package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evoseal/core/internal/eventbus"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	bus := eventbus.New(eventbus.Config{})
	s, err := NewStore(t.TempDir(), bus)
	require.NoError(t, err)
	return s
}

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload := Payload{"a.txt": []byte("hello"), "dir/b.txt": []byte("world")}
	id, err := s.Create(ctx, "v1", payload, KindAutomatic, map[string]any{"note": "first"})
	require.NoError(t, err)
	assert.Equal(t, "v1", id)

	target := filepath.Join(t.TempDir(), "restore")
	restored, err := s.Restore(ctx, "v1", target)
	require.NoError(t, err)
	assert.Equal(t, ContentHash(payload), ContentHash(restored))

	data, err := os.ReadFile(filepath.Join(target, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestRestoreDetectsCorruption(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload := Payload{"a.txt": []byte("hello")}
	_, err := s.Create(ctx, "v1", payload, KindAutomatic, nil)
	require.NoError(t, err)

	corruptPath := filepath.Join(s.versionDir("v1"), "payload", "a.txt")
	require.NoError(t, os.WriteFile(corruptPath, []byte("tampered"), 0o644))

	_, err = s.Restore(ctx, "v1", filepath.Join(t.TempDir(), "restore"))
	assert.Error(t, err)

	list, err := s.List(ListFilter{VersionID: "v1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Corrupt)
}

func TestRestoreToWorkingDirectoryFallsBack(t *testing.T) {
	bus := eventbus.New(eventbus.Config{})
	var fallbackEvents int
	bus.Subscribe(eventbus.TypeCheckpointRestoreFallback, func(ctx context.Context, evt *eventbus.Event) error {
		fallbackEvents++
		return nil
	}, 0, nil)

	dir := t.TempDir()
	s, err := NewStore(dir, bus)
	require.NoError(t, err)

	wd, err := os.Getwd()
	require.NoError(t, err)

	payload := Payload{"a.txt": []byte("x")}
	_, err = s.Create(context.Background(), "v1", payload, KindAutomatic, nil)
	require.NoError(t, err)

	_, err = s.Restore(context.Background(), "v1", wd)
	require.NoError(t, err)

	assert.Equal(t, 1, fallbackEvents)
	_, statErr := os.Stat(filepath.Join(dir, ".rollback_target", "a.txt"))
	assert.NoError(t, statErr)
}

func TestCleanupRetainsMilestonesAndRecentCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "v0", Payload{"f": []byte("0")}, KindMilestone, nil)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := s.Create(ctx, versionName(i), Payload{"f": []byte(versionName(i))}, KindAutomatic, nil)
		require.NoError(t, err)
	}

	require.NoError(t, s.Cleanup(1, KindMilestone))

	remaining, err := s.List(ListFilter{})
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, md := range remaining {
		names[md.VersionID] = true
	}
	assert.True(t, names["v0"], "milestone must be retained")
	assert.Len(t, remaining, 2)
}

func versionName(i int) string {
	return "v" + string(rune('a'+i))
}
