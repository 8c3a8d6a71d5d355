package loader

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/razvanmacovei/stagevar-gateway/internal/config"
	"github.com/razvanmacovei/stagevar-gateway/internal/metrics"
	"github.com/razvanmacovei/stagevar-gateway/internal/registry"
	"github.com/razvanmacovei/stagevar-gateway/internal/target"
)

// Source marks registry bindings owned by the config loader.
const Source = "config"

// Loader keeps the registry in sync with a static stage configuration.
type Loader struct {
	store   *registry.Store
	factory *target.Factory
	logger  *slog.Logger

	mu     sync.Mutex
	cfg    *config.Config
	stages map[string]struct{}
}

// Init registers every target in cfg and returns the Loader owning them.
func Init(ctx context.Context, cfg *config.Config, store *registry.Store, factory *target.Factory, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		store:   store,
		factory: factory,
		logger:  logger,
		stages:  make(map[string]struct{}),
	}
	if err := l.Apply(ctx, cfg); err != nil {
		return nil, err
	}
	return l, nil
}

// Apply registers the targets of cfg and removes loader-owned stages that cfg
// no longer declares. Invokers are built before any binding changes, so a
// config that fails to build leaves the registry untouched.
func (l *Loader) Apply(ctx context.Context, cfg *config.Config) error {
	built := make(map[string]registry.Descriptor)
	for _, t := range cfg.AllTargets() {
		inv, err := l.factory.Build(ctx, t.Spec())
		if err != nil {
			return fmt.Errorf("build target for stage %q: %w", t.Stage, err)
		}
		built[t.Stage] = registry.Descriptor{
			ID:       t.ID,
			Endpoint: inv,
			Timeout:  t.Timeout,
			Source:   Source,
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next := make(map[string]struct{}, len(built))
	for stage, d := range built {
		if err := l.store.Register(stage, d); err != nil {
			return fmt.Errorf("register stage %q: %w", stage, err)
		}
		next[stage] = struct{}{}
	}
	for stage := range l.stages {
		if _, ok := next[stage]; !ok && l.store.CompareAndUnregister(stage, Source) {
			l.logger.Info("stage removed from config", "stage", stage)
		}
	}
	l.stages = next
	l.cfg = cfg

	metrics.RegistryUpdatesTotal.Inc()
	metrics.ActiveStages.Set(float64(l.store.Count()))
	l.logger.Info("stage configuration applied", "stages", len(next), "registered", l.store.Stages())
	return nil
}

// Config returns the configuration most recently applied.
func (l *Loader) Config() *config.Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Shutdown removes the loader's bindings and releases invoker resources.
func (l *Loader) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for stage := range l.stages {
		l.store.CompareAndUnregister(stage, Source)
	}
	l.stages = make(map[string]struct{})
	l.factory.Close()

	metrics.ActiveStages.Set(float64(l.store.Count()))
	l.logger.Info("stage configuration unloaded")
	return ctx.Err()
}

// Watch re-applies the file at path whenever it changes, until ctx is done.
// Invalid files are logged and the previous configuration stays active.
// Deployment and resource changes only take effect on restart.
func (l *Loader) Watch(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors and ConfigMap mounts replace the file.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	want := filepath.Clean(path)

	l.logger.Info("watching stage configuration", "path", want)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Clean(ev.Name) != want && filepath.Base(ev.Name) != "..data" {
				continue
			}
			l.reload(ctx, want)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("config watcher error", "error", err)
		}
	}
}

// Watcher is a manager runnable that runs Watch on every replica, including
// those that have not won leader election.
type Watcher struct {
	loader *Loader
	path   string
}

// Watcher returns a runnable watching the configuration file at path.
func (l *Loader) Watcher(path string) *Watcher {
	return &Watcher{loader: l, path: path}
}

// Start implements manager.Runnable.
func (w *Watcher) Start(ctx context.Context) error {
	return w.loader.Watch(ctx, w.path)
}

// NeedLeaderElection implements manager.LeaderElectionRunnable.
func (w *Watcher) NeedLeaderElection() bool {
	return false
}

func (l *Loader) reload(ctx context.Context, path string) {
	cfg, err := config.Load(path)
	if err != nil {
		l.logger.Error("config reload failed, keeping previous stages", "path", path, "error", err)
		return
	}
	if err := l.Apply(ctx, cfg); err != nil {
		l.logger.Error("config apply failed", "path", path, "error", err)
	}
}
