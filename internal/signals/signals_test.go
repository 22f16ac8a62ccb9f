package signals

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTruthy(t *testing.T) {
	for _, v := range []string{"1", "true", "YES", " on "} {
		assert.True(t, Truthy(v), v)
	}
	for _, v := range []string{"", "0", "false", "off", "nope"} {
		assert.False(t, Truthy(v), v)
	}
}

func TestActive_EnvAndFile(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	env := map[string]string{}
	s.getenv = func(k string) string { return env[k] }

	assert.False(t, s.Active(DisableHealing))
	env["DISABLE_SELF_HEALING"] = "true"
	assert.True(t, s.Active(DisableHealing))

	assert.False(t, s.Active(PauseQueue))
	require.NoError(t, s.Set(PauseQueue, true))
	assert.True(t, s.Active(PauseQueue))
	assert.True(t, s.Snapshot()[PauseQueue])

	require.NoError(t, s.Set(PauseQueue, false))
	assert.False(t, s.Active(PauseQueue))
	// Removing twice is fine.
	require.NoError(t, s.Set(PauseQueue, false))

	assert.Error(t, s.Set("bogus", true))
}

func TestRun_DispatchesChanges(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "signals")
	s := New(dir, nil)

	var mu sync.Mutex
	var seen []bool
	s.OnChange(PauseQueue, func(active bool) {
		mu.Lock()
		seen = append(seen, active)
		mu.Unlock()
	})
	events := func() []bool {
		mu.Lock()
		defer mu.Unlock()
		return append([]bool(nil), seen...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(events()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{false}, events())

	require.NoError(t, os.WriteFile(filepath.Join(dir, PauseQueue), nil, 0644))
	require.Eventually(t, func() bool { return len(events()) == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, PauseQueue)))
	require.Eventually(t, func() bool { return len(events()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{false, true, false}, events())

	cancel()
	assert.NoError(t, <-done)
}
