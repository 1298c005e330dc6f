// Package deploy keeps a framework in sync with a directory of bundles.
//
// Every directory containing a manifest and every .zip archive directly inside the
// deploy directory is a bundle. New entries are installed and started, changed entries
// are updated and removed entries are uninstalled. Scans are triggered by filesystem
// notifications and by a cron schedule as a fallback for filesystems that do not
// deliver them.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/GoCodeAlone/bundlehost"
	"github.com/GoCodeAlone/bundlehost/archive"
	"github.com/GoCodeAlone/bundlehost/config"
)

var (
	ErrNoDirectory  = errors.New("deploy: directory not configured")
	ErrNilFramework = errors.New("deploy: nil framework")
	ErrRunning      = errors.New("deploy: already running")
)

const debounce = 200 * time.Millisecond

// Lifecycle is the part of the framework the deployer drives.
type Lifecycle interface {
	InstallBundle(ctx context.Context, location, source string) (bundlehost.BundleID, error)
	StartBundle(ctx context.Context, id bundlehost.BundleID) error
	UpdateBundle(ctx context.Context, id bundlehost.BundleID, source string) error
	UninstallBundle(ctx context.Context, id bundlehost.BundleID) error
	GetBundle(location string) (bundlehost.BundleID, bool)
}

// fingerprint identifies one version of a deployed entry.
type fingerprint struct {
	modTime time.Time
	size    int64
	files   int
}

// Report summarizes one scan.
type Report struct {
	Installed   []string
	Updated     []string
	Uninstalled []string
	Failed      map[string]error
}

func (r Report) empty() bool {
	return len(r.Installed)+len(r.Updated)+len(r.Uninstalled)+len(r.Failed) == 0
}

// Deployer reconciles a deploy directory with a framework.
type Deployer struct {
	dir    string
	fw     Lifecycle
	cfg    config.DeployConfig
	logger bundlehost.Logger

	scanMu sync.Mutex
	known  map[string]fingerprint

	runMu   sync.Mutex
	running bool
}

// New creates a deployer for cfg.Dir.
func New(fw Lifecycle, cfg config.DeployConfig, logger bundlehost.Logger) (*Deployer, error) {
	if fw == nil {
		return nil, ErrNilFramework
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, ErrNoDirectory
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve deploy directory: %w", err)
	}
	if logger == nil {
		logger = bundlehost.NopLogger()
	}
	if cfg.RetryMaxElapsed <= 0 {
		cfg.RetryMaxElapsed = 10 * time.Second
	}
	return &Deployer{
		dir:    dir,
		fw:     fw,
		cfg:    cfg,
		logger: logger,
		known:  make(map[string]fingerprint),
	}, nil
}

// Location returns the bundle location for a deploy directory entry.
func Location(path string) string { return "file://" + filepath.ToSlash(path) }

// Scan runs one reconcile pass. Entries whose operation failed are retried on the next
// scan.
func (d *Deployer) Scan(ctx context.Context) (Report, error) {
	d.scanMu.Lock()
	defer d.scanMu.Unlock()

	report := Report{Failed: make(map[string]error)}
	current, err := d.entries()
	if err != nil {
		return report, err
	}

	var removed []string
	for location := range d.known {
		if _, ok := current[location]; !ok {
			removed = append(removed, location)
		}
	}
	sort.Strings(removed)
	for _, location := range removed {
		if err := d.uninstall(ctx, location); err != nil {
			report.Failed[location] = err
			continue
		}
		delete(d.known, location)
		report.Uninstalled = append(report.Uninstalled, location)
	}

	locations := make([]string, 0, len(current))
	for location := range current {
		locations = append(locations, location)
	}
	sort.Strings(locations)
	for _, location := range locations {
		fp := current[location]
		prev, seen := d.known[location]
		switch {
		case !seen:
			if err := d.install(ctx, location); err != nil {
				report.Failed[location] = err
				continue
			}
			report.Installed = append(report.Installed, location)
		case prev != fp:
			if err := d.update(ctx, location); err != nil {
				report.Failed[location] = err
				continue
			}
			report.Updated = append(report.Updated, location)
		default:
			continue
		}
		d.known[location] = fp
	}

	if !report.empty() {
		d.logger.Info("Deploy directory reconciled",
			"dir", d.dir,
			"installed", len(report.Installed),
			"updated", len(report.Updated),
			"uninstalled", len(report.Uninstalled),
			"failed", len(report.Failed))
	}
	for location, err := range report.Failed {
		d.logger.Error("Deploying bundle failed", "location", location, "error", err)
	}
	return report, nil
}

func (d *Deployer) install(ctx context.Context, location string) error {
	return d.retry(ctx, "install", location, func() error {
		id, err := d.fw.InstallBundle(ctx, location, "")
		if err != nil {
			return err
		}
		return d.fw.StartBundle(ctx, id)
	})
}

func (d *Deployer) update(ctx context.Context, location string) error {
	return d.retry(ctx, "update", location, func() error {
		id, ok := d.fw.GetBundle(location)
		if !ok {
			id, err := d.fw.InstallBundle(ctx, location, "")
			if err != nil {
				return err
			}
			return d.fw.StartBundle(ctx, id)
		}
		return d.fw.UpdateBundle(ctx, id, "")
	})
}

func (d *Deployer) uninstall(ctx context.Context, location string) error {
	return d.retry(ctx, "uninstall", location, func() error {
		id, ok := d.fw.GetBundle(location)
		if !ok {
			return nil
		}
		err := d.fw.UninstallBundle(ctx, id)
		if errors.Is(err, bundlehost.ErrBundleNotFound) {
			return nil
		}
		return err
	})
}

// retry runs op with exponential backoff. Errors that another attempt cannot fix stop
// the retries immediately.
func (d *Deployer) retry(ctx context.Context, op, location string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = d.cfg.RetryMaxElapsed

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if permanent(err) {
			return backoff.Permanent(err)
		}
		d.logger.Warn("Deploy operation failed, retrying", "operation", op, "location", location, "attempt", attempt, "error", err)
		return err
	}, backoff.WithContext(policy, ctx))
}

func permanent(err error) bool {
	return errors.Is(err, bundlehost.ErrFrameworkShuttingDown) ||
		errors.Is(err, bundlehost.ErrInvalidLocation) ||
		errors.Is(err, bundlehost.ErrUnresolvedConstraint) ||
		errors.Is(err, bundlehost.ErrActivationFailure) ||
		errors.Is(err, archive.ErrManifestInvalid) ||
		errors.Is(err, archive.ErrManifestNotFound)
}

// entries lists the deployable entries of the directory with their fingerprints.
func (d *Deployer) entries() (map[string]fingerprint, error) {
	dirents, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("read deploy directory %s: %w", d.dir, err)
	}
	out := make(map[string]fingerprint, len(dirents))
	for _, de := range dirents {
		if strings.HasPrefix(de.Name(), ".") {
			continue
		}
		path := filepath.Join(d.dir, de.Name())
		switch {
		case de.IsDir():
			if !hasManifest(path) {
				continue
			}
			fp, err := treeFingerprint(path)
			if err != nil {
				d.logger.Warn("Skipping unreadable bundle directory", "path", path, "error", err)
				continue
			}
			out[Location(path)] = fp
		case strings.EqualFold(filepath.Ext(de.Name()), ".zip"):
			info, err := de.Info()
			if err != nil {
				continue
			}
			out[Location(path)] = fingerprint{modTime: info.ModTime(), size: info.Size(), files: 1}
		}
	}
	return out, nil
}

func hasManifest(dir string) bool {
	for _, name := range archive.ManifestFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

func treeFingerprint(root string) (fingerprint, error) {
	var fp fingerprint
	err := filepath.WalkDir(root, func(_ string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() {
			return nil
		}
		info, err := de.Info()
		if err != nil {
			return err
		}
		fp.files++
		fp.size += info.Size()
		if info.ModTime().After(fp.modTime) {
			fp.modTime = info.ModTime()
		}
		return nil
	})
	return fp, err
}

// Run scans once, then rescans on filesystem notifications and on the configured
// schedule until ctx is cancelled.
func (d *Deployer) Run(ctx context.Context) error {
	d.runMu.Lock()
	if d.running {
		d.runMu.Unlock()
		return ErrRunning
	}
	d.running = true
	d.runMu.Unlock()
	defer func() {
		d.runMu.Lock()
		d.running = false
		d.runMu.Unlock()
	}()

	if _, err := d.Scan(ctx); err != nil {
		return err
	}

	trigger := make(chan struct{}, 1)
	poke := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	scheduler := cron.New()
	if d.cfg.ScanSchedule != "" {
		if _, err := scheduler.AddFunc(d.cfg.ScanSchedule, poke); err != nil {
			return fmt.Errorf("parse deploy scan schedule %q: %w", d.cfg.ScanSchedule, err)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Only the deploy directory itself is watched; edits inside a bundle directory are
	// picked up by the scheduled scan.
	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if !d.cfg.DisableWatch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create deploy watcher: %w", err)
		}
		defer watcher.Close()
		if err := watcher.Add(d.dir); err != nil {
			return fmt.Errorf("watch deploy directory %s: %w", d.dir, err)
		}
		events, watchErrs = watcher.Events, watcher.Errors
	}

	d.logger.Info("Deployer watching", "dir", d.dir, "schedule", d.cfg.ScanSchedule, "notifications", !d.cfg.DisableWatch)

	settle := time.NewTimer(debounce)
	if !settle.Stop() {
		<-settle.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				settle.Reset(debounce)
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			d.logger.Warn("Deploy watcher error", "error", err)
		case <-settle.C:
			poke()
		case <-trigger:
			if _, err := d.Scan(ctx); err != nil {
				d.logger.Error("Deploy scan failed", "dir", d.dir, "error", err)
			}
		}
	}
}
