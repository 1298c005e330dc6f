// Package testutil holds helpers shared by bundlehost tests.
package testutil

import (
	"os"
	"strings"
	"testing"
)

// EnvPrefix is the prefix of every environment variable bundlehost reads.
const EnvPrefix = "BUNDLEHOST_"

type envSnapshot map[string]string

func snapshotEnv() envSnapshot {
	snap := envSnapshot{}
	for _, kv := range os.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(k, EnvPrefix) {
			snap[k] = v
		}
	}
	return snap
}

// restore unsets variables added since the snapshot and resets the rest.
func (s envSnapshot) restore() {
	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := s[k]; !ok && strings.HasPrefix(k, EnvPrefix) {
			_ = os.Unsetenv(k)
		}
	}
	for k, v := range s {
		_ = os.Setenv(k, v)
	}
}

// WithIsolatedEnv runs fn and restores every BUNDLEHOST_* variable afterwards.
func WithIsolatedEnv(fn func()) {
	snap := snapshotEnv()
	defer snap.restore()
	fn()
}

// Isolate snapshots the BUNDLEHOST_* environment and restores it in t.Cleanup. Safe to
// call multiple times in a test; restores run LIFO.
func Isolate(t testing.TB) {
	t.Helper()
	snap := snapshotEnv()
	t.Cleanup(snap.restore)
}

// SetEnv sets BUNDLEHOST_<key> for the rest of the test. Call Isolate first.
func SetEnv(t testing.TB, key, value string) {
	t.Helper()
	if err := os.Setenv(EnvPrefix+key, value); err != nil {
		t.Fatalf("set %s%s: %v", EnvPrefix, key, err)
	}
}
