package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/bundlehost"
	"github.com/GoCodeAlone/bundlehost/archive"
	"github.com/GoCodeAlone/bundlehost/config"
	"github.com/GoCodeAlone/bundlehost/health"
	"github.com/GoCodeAlone/bundlehost/internal/platform/metrics"
	"github.com/GoCodeAlone/bundlehost/resolver"
)

type fixture struct {
	fw     *bundlehost.Framework
	memory *archive.MemoryLoader
	srv    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	memory := archive.NewMemoryLoader()
	activators := bundlehost.NewActivatorRegistry()
	require.NoError(t, activators.Register("publisher", func(bundlehost.BundleContext) (bundlehost.Activator, error) {
		return publisher{}, nil
	}))
	rec := metrics.NewRecorder()
	fw, err := bundlehost.New(
		bundlehost.WithMemoryLoader(memory),
		bundlehost.WithActivatorRegistry(activators),
		bundlehost.WithInstrumentation(rec),
		bundlehost.WithConfig(config.FrameworkConfig{ShutdownTimeout: 5 * time.Second}),
	)
	require.NoError(t, err)
	require.NoError(t, rec.Watch(fw))
	require.NoError(t, fw.Start(context.Background()))

	s := NewServer(fw,
		WithHealth(health.NewAggregator(fw, health.Config{})),
		WithMetrics(promhttp.HandlerFor(rec.Registry(), promhttp.HandlerOpts{})),
	)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = fw.Shutdown(context.Background())
	})
	return &fixture{fw: fw, memory: memory, srv: srv}
}

type publisher struct{}

func (publisher) Start(ctx context.Context, bc bundlehost.BundleContext) error {
	_, err := bc.RegisterService(ctx, "greeter", "hello", nil)
	return err
}

func (publisher) Stop(context.Context, bundlehost.BundleContext) error    { return nil }
func (publisher) Destroy(context.Context, bundlehost.BundleContext) error { return nil }

func (f *fixture) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func (f *fixture) register(t *testing.T, name string, m archive.Manifest) string {
	t.Helper()
	m.SymbolicName = name
	m.Version = "1.0.0"
	location := "mem://" + name
	require.NoError(t, f.memory.Register(location, m))
	return location
}

func TestServer_BundleLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.register(t, "greeter", archive.Manifest{Activator: "publisher"})

	code, body := f.do(t, http.MethodPost, "/bundles", `{"location":"mem://greeter"}`)
	require.Equal(t, http.StatusCreated, code, body)
	var created idResponse
	require.NoError(t, json.Unmarshal([]byte(body), &created))
	path := "/bundles/" + itoa(created.ID)

	code, body = f.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"state":"INSTALLED"`)

	code, body = f.do(t, http.MethodPost, path+"/start", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Contains(t, body, `"state":"ACTIVE"`)

	code, body = f.do(t, http.MethodGet, "/services", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"name":"greeter"`)

	code, body = f.do(t, http.MethodPost, path+"/update", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Contains(t, body, `"revision":2`)

	code, body = f.do(t, http.MethodPost, path+"/stop?persist=false", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Contains(t, body, `"state":"RESOLVED"`)

	code, body = f.do(t, http.MethodGet, "/services", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, body)

	code, _ = f.do(t, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = f.do(t, http.MethodGet, path, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServer_ListBundles(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.register(t, "a", archive.Manifest{})

	code, _ := f.do(t, http.MethodPost, "/bundles", `{"location":"mem://a","start":true}`)
	require.Equal(t, http.StatusCreated, code)

	code, body := f.do(t, http.MethodGet, "/bundles", "")
	require.Equal(t, http.StatusOK, code)
	var infos []bundlehost.BundleInfo
	require.NoError(t, json.Unmarshal([]byte(body), &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, bundlehost.FrameworkBundleID, infos[0].ID)
	assert.Equal(t, "mem://a", infos[1].Location)
	assert.Equal(t, "ACTIVE", infos[1].StateName)
}

func TestServer_Errors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.register(t, "needy", archive.Manifest{Requires: []resolver.Requirement{{Namespace: "service", Name: "absent"}}})
	code, body := f.do(t, http.MethodPost, "/bundles", `{"location":"mem://needy"}`)
	require.Equal(t, http.StatusCreated, code, body)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad id", http.MethodGet, "/bundles/abc", "", http.StatusBadRequest},
		{"negative id", http.MethodGet, "/bundles/-1", "", http.StatusBadRequest},
		{"unknown id", http.MethodPost, "/bundles/99/start", "", http.StatusNotFound},
		{"bad body", http.MethodPost, "/bundles", `{"location":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/bundles", `{"where":"x"}`, http.StatusBadRequest},
		{"empty location", http.MethodPost, "/bundles", `{"location":""}`, http.StatusBadRequest},
		{"unknown memory bundle", http.MethodPost, "/bundles", `{"location":"mem://nope"}`, http.StatusNotFound},
		{"unresolved", http.MethodPost, "/bundles/1/start", "", http.StatusUnprocessableEntity},
		{"framework uninstall", http.MethodDelete, "/bundles/0", "", http.StatusConflict},
		{"bad persist", http.MethodPost, "/bundles/1/stop?persist=maybe", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, code, body)
			assert.Contains(t, body, `"error"`)
		})
	}
}

func TestServer_Refresh(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.register(t, "a", archive.Manifest{})
	code, _ := f.do(t, http.MethodPost, "/bundles", `{"location":"mem://a","start":true}`)
	require.Equal(t, http.StatusCreated, code)

	code, body := f.do(t, http.MethodPost, "/refresh", `{"ids":[1]}`)
	assert.Equal(t, http.StatusNoContent, code, body)
	code, _ = f.do(t, http.MethodPost, "/refresh", "")
	assert.Equal(t, http.StatusNoContent, code)

	info, err := f.fw.GetBundleByID(1)
	require.NoError(t, err)
	assert.Equal(t, bundlehost.StateActive, info.State)
}

func TestServer_FrameworkHealthAndMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/framework", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"state":"ACTIVE"`)
	assert.Contains(t, body, f.fw.UUID())

	code, _ = f.do(t, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, code)
	code, body = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "framework-active")

	code, body = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "bundlehost_bundles")
	assert.Contains(t, body, "bundlehost_lifecycle_operation_seconds")
}

func TestServer_ShuttingDown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.register(t, "late", archive.Manifest{})
	require.NoError(t, f.fw.Shutdown(context.Background()))

	code, _ := f.do(t, http.MethodPost, "/bundles", `{"location":"mem://late"}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = f.do(t, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestServer_ListenAndServe(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := NewServer(f.fw)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	assert.Equal(t, http.StatusInternalServerError, statusFor(bundlehost.ErrActivationFailure))
	assert.Equal(t, http.StatusConflict, statusFor(bundlehost.ErrLockInterrupted))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(bundlehost.ErrFileIO))
}

func itoa(id bundlehost.BundleID) string { return strconv.FormatInt(int64(id), 10) }
