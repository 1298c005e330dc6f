package eventlog

import (
	"context"
	"strconv"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/bundlehost"
	"github.com/GoCodeAlone/bundlehost/archive"
	"github.com/GoCodeAlone/bundlehost/config"
	"github.com/GoCodeAlone/bundlehost/registry"
)

type host struct {
	fw     *bundlehost.Framework
	memory *archive.MemoryLoader
}

func newHost(t *testing.T) *host {
	t.Helper()
	activators := bundlehost.NewActivatorRegistry()
	require.NoError(t, Register(activators))
	memory := archive.NewMemoryLoader()
	fw, err := bundlehost.New(
		bundlehost.WithMemoryLoader(memory),
		bundlehost.WithActivatorRegistry(activators),
		bundlehost.WithConfig(config.FrameworkConfig{ShutdownTimeout: 5 * time.Second}),
	)
	require.NoError(t, err)
	require.NoError(t, fw.Start(context.Background()))
	t.Cleanup(func() { _ = fw.Shutdown(context.Background()) })
	return &host{fw: fw, memory: memory}
}

func (h *host) installStarted(t *testing.T, name string, m archive.Manifest) bundlehost.BundleID {
	t.Helper()
	m.SymbolicName = name
	m.Version = "1.0.0"
	require.NoError(t, h.memory.Register("mem://"+name, m))
	id, err := h.fw.InstallBundle(context.Background(), "mem://"+name, "")
	require.NoError(t, err)
	require.NoError(t, h.fw.StartBundle(context.Background(), id))
	return id
}

func (h *host) history(t *testing.T) History {
	t.Helper()
	svc, _, err := h.fw.Services().Get(context.Background(), bundlehost.FrameworkBundleID, ServiceName)
	require.NoError(t, err)
	hist, ok := svc.(History)
	require.True(t, ok)
	return hist
}

func (h *host) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.fw.WaitForEmptyEventQueue(ctx))
}

func typesFor(events []cloudevents.Event, id bundlehost.BundleID) []string {
	var out []string
	for _, e := range events {
		if e.Subject() == strconv.FormatInt(int64(id), 10) {
			out = append(out, e.Type())
		}
	}
	return out
}

func TestEventLog_RecordsEvents(t *testing.T) {
	t.Parallel()
	h := newHost(t)
	logID := h.installStarted(t, "eventlog", archive.Manifest{Activator: ActivatorName})
	other := h.installStarted(t, "other", archive.Manifest{})
	h.drain(t)

	events := h.history(t).Events()
	assert.Equal(t, []string{"io.bundlehost.bundle.started"}, typesFor(events, logID))
	assert.Equal(t, []string{
		"io.bundlehost.bundle.installed",
		"io.bundlehost.bundle.starting",
		"io.bundlehost.bundle.started",
	}, typesFor(events, other))
	for _, e := range events {
		assert.Equal(t, bundlehost.EventSource+"/"+h.fw.UUID(), e.Source())
	}
}

func TestEventLog_FilterAndCapacity(t *testing.T) {
	t.Parallel()
	h := newHost(t)
	h.installStarted(t, "eventlog", archive.Manifest{
		Activator: ActivatorName,
		Headers: map[string]string{
			HeaderTypes:    "io.bundlehost.bundle.installed, io.bundlehost.framework.error",
			HeaderCapacity: "2",
			HeaderLevel:    "debug",
		},
	})
	for _, name := range []string{"a", "b", "c"} {
		h.installStarted(t, name, archive.Manifest{})
	}
	h.drain(t)

	hist := h.history(t)
	require.Equal(t, 2, hist.Len())
	events := hist.Events()
	for _, e := range events {
		assert.Equal(t, "io.bundlehost.bundle.installed", e.Type())
	}
	b, _ := h.fw.GetBundle("mem://b")
	c, _ := h.fw.GetBundle("mem://c")
	assert.Equal(t, strconv.FormatInt(int64(b), 10), events[0].Subject(), "oldest first")
	assert.Equal(t, strconv.FormatInt(int64(c), 10), events[1].Subject())
}

func TestEventLog_StopWithdrawsHistory(t *testing.T) {
	t.Parallel()
	h := newHost(t)
	logID := h.installStarted(t, "eventlog", archive.Manifest{Activator: ActivatorName})
	h.drain(t)
	hist := h.history(t)

	require.NoError(t, h.fw.StopBundle(context.Background(), logID, true))
	_, _, err := h.fw.Services().Get(context.Background(), bundlehost.FrameworkBundleID, ServiceName)
	assert.ErrorIs(t, err, registry.ErrServiceNotFound)

	h.drain(t)
	before := hist.Len()
	h.installStarted(t, "late", archive.Manifest{})
	h.drain(t)
	assert.Equal(t, before, hist.Len(), "listeners of a stopped bundle receive nothing")
}

func TestEventLog_InvalidHeaders(t *testing.T) {
	t.Parallel()
	h := newHost(t)
	for name, headers := range map[string]map[string]string{
		"capacity": {HeaderCapacity: "zero"},
		"negative": {HeaderCapacity: "-1"},
		"level":    {HeaderLevel: "trace"},
	} {
		require.NoError(t, h.memory.Register("mem://"+name, archive.Manifest{
			SymbolicName: name, Version: "1.0.0", Activator: ActivatorName, Headers: headers,
		}))
		id, err := h.fw.InstallBundle(context.Background(), "mem://"+name, "")
		require.NoError(t, err)
		err = h.fw.StartBundle(context.Background(), id)
		assert.ErrorIs(t, err, bundlehost.ErrActivationFailure, name)
	}
}

func TestRing(t *testing.T) {
	t.Parallel()
	r := newRing(3)
	assert.Empty(t, r.Events())
	for i := 0; i < 5; i++ {
		e := cloudevents.NewEvent()
		e.SetID(strconv.Itoa(i))
		r.add(e)
	}
	assert.Equal(t, 3, r.Len())
	var ids []string
	for _, e := range r.Events() {
		ids = append(ids, e.ID())
	}
	assert.Equal(t, []string{"2", "3", "4"}, ids)
}
