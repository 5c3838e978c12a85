package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsclarke/toolauth/internal/metrics"
	"github.com/rsclarke/toolauth/internal/signature"
)

func TestWatcherEmptyPathUsesDefault(t *testing.T) {
	w, err := NewWatcher("", Options{})
	require.NoError(t, err)

	assert.Equal(t, ModeDisabled, w.Current().Mode)
	assert.Equal(t, uint64(1), w.Current().Generation)
	assert.NoError(t, w.Reload())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, w.Run(ctx))
}

func TestWatcherInitialLoadFailureIsFatal(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "absent.json"), Options{})
	assert.ErrorIs(t, err, ErrMissing)
}

func TestWatcherFailedReloadKeepsSnapshot(t *testing.T) {
	f := newFixture(t)
	f.write(t, "leaders.json", f.allowlistDoc())
	path := f.write(t, "config.json", f.configDoc("required"))

	m := metrics.New(prometheus.NewRegistry())
	var hooked atomic.Int32
	w, err := NewWatcher(path, Options{
		Metrics:  m,
		OnReload: func(*Snapshot) { hooked.Add(1) },
	})
	require.NoError(t, err)
	first := w.Current()
	require.Equal(t, uint64(1), first.Generation)

	f.write(t, "config.json", `{"version": 1, "signed_http": {"mode": "bogus"}}`)
	err = w.Reload()
	require.ErrorIs(t, err, ErrInvalid)

	assert.Same(t, first, w.Current())
	state, lastErr := w.State()
	assert.Equal(t, StateReady, state)
	assert.ErrorIs(t, lastErr, ErrInvalid)
	assert.Equal(t, int32(0), hooked.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConfigReloads.WithLabelValues("failure")))

	f.write(t, "config.json", f.configDoc("optional"))
	require.NoError(t, w.Reload())

	assert.Equal(t, ModeOptional, w.Current().Mode)
	assert.Equal(t, uint64(2), w.Current().Generation)
	_, lastErr = w.State()
	assert.NoError(t, lastErr)
	assert.Equal(t, int32(1), hooked.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConfigGeneration))

	// the earlier snapshot is untouched by the swap
	assert.Equal(t, ModeRequired, first.Mode)
}

func TestWatcherDebouncesBursts(t *testing.T) {
	var loads atomic.Int32
	load := func(path string) (*Snapshot, error) {
		loads.Add(1)
		return Default(), nil
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	reloaded := make(chan *Snapshot, 4)
	w, err := NewWatcher(path, Options{
		Debounce: 100 * time.Millisecond,
		OnReload: func(s *Snapshot) { reloaded <- s },
		load:     load,
	})
	require.NoError(t, err)
	require.Equal(t, int32(1), loads.Load())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(`{"version": 1}`), 0o600))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case s := <-reloaded:
		assert.Equal(t, uint64(2), s.Generation)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after file change")
	}

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(2), loads.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWatcherReloadsOnAllowlistChange(t *testing.T) {
	f := newFixture(t)
	leadersDir := filepath.Join(f.dir, "leaders")
	require.NoError(t, os.Mkdir(leadersDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(leadersDir, "leaders.json"), []byte(f.allowlistDoc()), 0o600))

	doc := `{"version": 1, "signed_http": {
		"allowed_leaders_path": "leaders/leaders.json",
		"tools": {"tool_1": {"tool_kid": 0, "tool_signing_key": "` + f.toolSeed + `"}}
	}}`
	path := f.write(t, "config.json", doc)

	reloaded := make(chan *Snapshot, 4)
	w, err := NewWatcher(path, Options{
		Debounce: 50 * time.Millisecond,
		OnReload: func(s *Snapshot) { reloaded <- s },
	})
	require.NoError(t, err)
	require.Equal(t, []string{"leader_1"}, w.Current().Allowlist.Callers())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	updated := `{"version": 1, "leaders": [
		{"leader_id": "leader_2", "keys": [{"kid": 0, "public_key": "` + signature.EncodePublicKey(f.leaderPub) + `"}]}
	]}`
	require.NoError(t, os.WriteFile(filepath.Join(leadersDir, "leaders.json"), []byte(updated), 0o600))

	select {
	case s := <-reloaded:
		assert.Equal(t, []string{"leader_2"}, s.Allowlist.Callers())
	case <-time.After(5 * time.Second):
		t.Fatal("allowlist change not picked up")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "loading", StateLoading.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "reloading", StateReloading.String())
}

func TestWatcherPropagatesLoadError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	w, err := NewWatcher("/virtual/config.json", Options{load: func(string) (*Snapshot, error) {
		calls++
		if calls > 1 {
			return nil, boom
		}
		return Default(), nil
	}})
	require.NoError(t, err)
	assert.ErrorIs(t, w.Reload(), boom)
	assert.Equal(t, uint64(1), w.Current().Generation)
}

func TestWatcherValidateRejectsInitialLoad(t *testing.T) {
	f := newFixture(t)
	f.write(t, "leaders.json", f.allowlistDoc())
	path := f.write(t, "config.json", f.configDoc("required"))

	_, err := NewWatcher(path, Options{
		Validate: func(s *Snapshot) error { return s.RequireTool("tool_2") },
	})
	require.ErrorIs(t, err, ErrMissing)
	assert.ErrorContains(t, err, `"tool_2"`)

	_, err = NewWatcher(path, Options{
		Validate: func(s *Snapshot) error { return s.RequireTool("tool_1") },
	})
	assert.NoError(t, err)
}

func TestWatcherValidateKeepsSnapshotOnReload(t *testing.T) {
	f := newFixture(t)
	f.write(t, "leaders.json", f.allowlistDoc())
	path := f.write(t, "config.json", f.configDoc("required"))

	w, err := NewWatcher(path, Options{
		Validate: func(s *Snapshot) error { return s.RequireTool("tool_1") },
	})
	require.NoError(t, err)
	first := w.Current()

	f.write(t, "config.json", strings.Replace(f.configDoc("required"), `"tool_1"`, `"tool_2"`, 1))
	require.ErrorIs(t, w.Reload(), ErrMissing)

	assert.Same(t, first, w.Current())
	_, lastErr := w.State()
	assert.ErrorIs(t, lastErr, ErrMissing)

	f.write(t, "config.json", f.configDoc("disabled"))
	require.NoError(t, w.Reload())
	assert.Equal(t, ModeDisabled, w.Current().Mode)
}

func TestWatcherStateDuringReload(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	w, err := NewWatcher("/virtual/config.json", Options{load: func(string) (*Snapshot, error) {
		if calls.Add(1) > 1 {
			close(started)
			<-release
		}
		return Default(), nil
	}})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Reload() }()

	<-started
	state, _ := w.State()
	assert.Equal(t, StateReloading, state)
	assert.Equal(t, uint64(1), w.Current().Generation)

	close(release)
	require.NoError(t, <-done)
	state, _ = w.State()
	assert.Equal(t, StateReady, state)
	assert.Equal(t, uint64(2), w.Current().Generation)
}
