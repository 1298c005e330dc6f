package testutil

import (
	"os"
	"testing"
)

func TestWithIsolatedEnv_RestoresEnv(t *testing.T) {
	os.Setenv("BUNDLEHOST_LOG_LEVEL", "orig")
	os.Unsetenv("BUNDLEHOST_ADMIN_ADDR")
	defer os.Unsetenv("BUNDLEHOST_LOG_LEVEL")

	WithIsolatedEnv(func() {
		os.Setenv("BUNDLEHOST_LOG_LEVEL", "changed")
		os.Setenv("BUNDLEHOST_ADMIN_ADDR", ":9999")
		if v := os.Getenv("BUNDLEHOST_LOG_LEVEL"); v != "changed" {
			t.Fatalf("expected changed inside, got %s", v)
		}
	})

	if v := os.Getenv("BUNDLEHOST_LOG_LEVEL"); v != "orig" {
		t.Fatalf("expected BUNDLEHOST_LOG_LEVEL=orig after restore, got %s", v)
	}
	if _, ok := os.LookupEnv("BUNDLEHOST_ADMIN_ADDR"); ok {
		t.Fatalf("BUNDLEHOST_ADMIN_ADDR should be unset after restore")
	}
}

func TestIsolate_RestoresEnvAndLIFO(t *testing.T) {
	os.Setenv("BUNDLEHOST_LOG_LEVEL", "base")
	os.Unsetenv("BUNDLEHOST_ADMIN_ADDR")

	// registered first so it runs last
	t.Cleanup(func() {
		if v := os.Getenv("BUNDLEHOST_LOG_LEVEL"); v != "base" {
			t.Fatalf("expected BUNDLEHOST_LOG_LEVEL=base after cleanup, got %s", v)
		}
		if _, ok := os.LookupEnv("BUNDLEHOST_ADMIN_ADDR"); ok {
			t.Fatalf("BUNDLEHOST_ADMIN_ADDR should be unset after cleanup")
		}
		os.Unsetenv("BUNDLEHOST_LOG_LEVEL")
	})

	Isolate(t)
	SetEnv(t, "LOG_LEVEL", "layer1")
	SetEnv(t, "ADMIN_ADDR", ":1")

	Isolate(t)
	SetEnv(t, "LOG_LEVEL", "layer2")
	SetEnv(t, "ADMIN_ADDR", ":2")
}
