package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/bundlehost"
	"github.com/GoCodeAlone/bundlehost/archive"
	"github.com/GoCodeAlone/bundlehost/config"
)

func TestRecorder_Observations(t *testing.T) {
	t.Parallel()
	r := NewRecorder()

	r.ObserveLockWait("bundle", time.Millisecond, nil)
	r.ObserveLockWait("global", time.Millisecond, errors.New("interrupted"))
	r.ObserveOperation("start", 5*time.Millisecond, nil)
	r.ObserveOperation("start", 5*time.Millisecond, errors.New("boom"))
	r.EventQueued(3)
	r.EventDelivered("bundle")
	r.EventDelivered("bundle")
	r.DeliverySkipped("framework")
	r.ListenerPanicked("bundle")

	assert.Equal(t, 2, testutil.CollectAndCount(r.lockWait))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.lockErrors.WithLabelValues("bundle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.lockErrors.WithLabelValues("global")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.opErrors.WithLabelValues("start")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.queued))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.queueDepth))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.delivered.WithLabelValues("bundle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.skipped.WithLabelValues("framework")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.panicked.WithLabelValues("bundle")))
}

func TestRecorder_WatchNil(t *testing.T) {
	t.Parallel()
	assert.ErrorIs(t, NewRecorder().Watch(nil), errNilFramework)
}

func TestRecorder_FrameworkInstrumentation(t *testing.T) {
	t.Parallel()
	r := NewRecorder()
	memory := archive.NewMemoryLoader()
	require.NoError(t, memory.Register("mem://a", archive.Manifest{SymbolicName: "a", Version: "1.0.0"}))

	fw, err := bundlehost.New(
		bundlehost.WithMemoryLoader(memory),
		bundlehost.WithInstrumentation(r),
		bundlehost.WithConfig(config.FrameworkConfig{ShutdownTimeout: 5 * time.Second}),
	)
	require.NoError(t, err)
	require.NoError(t, r.Watch(fw))
	t.Cleanup(func() { _ = fw.Shutdown(context.Background()) })

	ctx := context.Background()
	require.NoError(t, fw.Start(ctx))
	id, err := fw.InstallBundle(ctx, "mem://a", "")
	require.NoError(t, err)
	require.NoError(t, fw.StartBundle(ctx, id))
	require.NoError(t, fw.WaitForEmptyEventQueue(ctx))

	assert.GreaterOrEqual(t, testutil.ToFloat64(r.queued), 3.0)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.opErrors.WithLabelValues("start")))

	expected := `
# HELP bundlehost_bundles Installed bundles by lifecycle state.
# TYPE bundlehost_bundles gauge
bundlehost_bundles{state="ACTIVE"} 2
bundlehost_bundles{state="INSTALLED"} 0
bundlehost_bundles{state="RESOLVED"} 0
bundlehost_bundles{state="STARTING"} 0
bundlehost_bundles{state="STOPPING"} 0
`
	require.NoError(t, testutil.GatherAndCompare(r.Registry(), strings.NewReader(expected), "bundlehost_bundles"))

	up, err := testutil.GatherAndCount(r.Registry(), "bundlehost_framework_active")
	require.NoError(t, err)
	assert.Equal(t, 1, up)
}
