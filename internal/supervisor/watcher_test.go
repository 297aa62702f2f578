package supervisor

import (
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func watcherLog() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestConfigWatcher_TriggersOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: x"), 0o644))

	cw, err := newConfigWatcher(path, 10*time.Millisecond, watcherLog())
	require.NoError(t, err)

	var reloads atomic.Int32
	stop := make(chan struct{})
	go cw.Watch(stop, func() { reloads.Add(1) })
	defer close(stop)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: y"), 0o644))

	require.Eventually(t, func() bool {
		return reloads.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestConfigWatcher_IgnoresOtherFilesInSameDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: x"), 0o644))

	cw, err := newConfigWatcher(path, 10*time.Millisecond, watcherLog())
	require.NoError(t, err)

	var reloads atomic.Int32
	stop := make(chan struct{})
	go cw.Watch(stop, func() { reloads.Add(1) })
	defer close(stop)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("noop"), 0o644))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), reloads.Load())
}

func TestConfigWatcher_DebouncesBurstsOfWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: x"), 0o644))

	cw, err := newConfigWatcher(path, 30*time.Millisecond, watcherLog())
	require.NoError(t, err)

	var reloads atomic.Int32
	stop := make(chan struct{})
	go cw.Watch(stop, func() { reloads.Add(1) })
	defer close(stop)

	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("listen_addr: z"), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return reloads.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestConfigWatcher_StopStopsFurtherTriggers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: x"), 0o644))

	cw, err := newConfigWatcher(path, 10*time.Millisecond, watcherLog())
	require.NoError(t, err)

	var reloads atomic.Int32
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		cw.Watch(stop, func() { reloads.Add(1) })
		close(done)
	}()

	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after stop was closed")
	}
}
