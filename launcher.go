package bundlehost

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/GoCodeAlone/bundlehost/archive"
	"github.com/GoCodeAlone/bundlehost/lifecycle"
)

// restoreBundles reinstalls the bundles recorded in the store under their original
// ids and restarts those persisted ACTIVE. Records of uninstalled bundles are purged.
func (f *Framework) restoreBundles(ctx context.Context) error {
	records, err := f.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: read bundle cache: %w", ErrFileIO, err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	var errs []error
	var active []*Bundle
	for _, rec := range records {
		if rec.PersistentState == archive.PersistentUninstalled {
			if err := f.store.Delete(ctx, rec.ID); err != nil {
				errs = append(errs, fmt.Errorf("%w: purge bundle %d: %w", ErrFileIO, rec.ID, err))
			}
			continue
		}
		if existing := f.lookupLocation(rec.Location); existing != nil {
			continue
		}
		if rec.Revision < 1 {
			rec.Revision = 1
		}
		b, err := f.installNew(ctx, rec)
		if err != nil {
			f.logger.Error("Persisted bundle could not be restored", "bundle", rec.ID, "location", rec.Location, "error", err)
			f.fireFrameworkEvent(lifecycle.FrameworkError, rec.ID, err)
			errs = append(errs, err)
			continue
		}
		if rec.PersistentState == archive.PersistentActive {
			active = append(active, b)
		}
	}
	if len(records) > 0 {
		f.logger.Info("Persisted bundles restored", "count", len(records), "active", len(active))
	}

	for _, b := range active {
		if err := f.startBundle(ctx, b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// launch installs framework.auto_install in parallel, then installs and starts
// framework.auto_start in order. Individual failures are published as ERROR events.
func (f *Framework) launch(ctx context.Context) error {
	var errs []error
	if err := f.autoInstall(ctx, f.cfg.AutoInstall); err != nil {
		errs = append(errs, err)
	}
	for _, location := range f.cfg.AutoStart {
		id, err := f.InstallBundle(ctx, location, "")
		if err != nil {
			f.launchFailed(location, err)
			errs = append(errs, err)
			continue
		}
		if err := f.StartBundle(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Framework) autoInstall(ctx context.Context, locations []string) error {
	if len(locations) == 0 {
		return nil
	}
	pool, err := ants.NewPool(f.cfg.LaunchWorkers, ants.WithPanicHandler(func(p interface{}) {
		f.logger.Error("Auto-install worker panicked", "panic", p)
	}))
	if err != nil {
		return fmt.Errorf("create launch pool: %w", err)
	}
	defer pool.Release()

	// Workers must not share the caller's lock owner, so they get a fresh context that
	// only inherits cancellation.
	base, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer context.AfterFunc(ctx, cancel)()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	for _, location := range locations {
		location := location
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			if _, err := f.InstallBundle(base, location, ""); err != nil {
				f.launchFailed(location, err)
				record(err)
			}
		})
		if submitErr != nil {
			wg.Done()
			record(fmt.Errorf("schedule install of %s: %w", location, submitErr))
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (f *Framework) launchFailed(location string, err error) {
	f.logger.Error("Configured bundle could not be installed", "location", location, "error", err)
	f.fireFrameworkEvent(lifecycle.FrameworkError, FrameworkBundleID, fmt.Errorf("install %s: %w", location, err))
}
