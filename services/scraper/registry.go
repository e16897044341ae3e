package scraper

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/l429609201/danmu-api-server/internal/database"
	"github.com/l429609201/danmu-api-server/models"
)

// Factory builds one provider's scraper instance.
type Factory func(ctx context.Context, db *database.DB, useProxy bool) (Scraper, error)

// Registry owns the live scraper instances and keeps the scrapers table
// in sync with the compiled-in provider set.
type Registry struct {
	db        *database.DB
	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]Scraper
}

// NewRegistry returns an empty registry bound to the store.
func NewRegistry(db *database.DB) *Registry {
	return &Registry{
		db:        db,
		factories: make(map[string]Factory),
		instances: make(map[string]Scraper),
	}
}

// Register adds a provider factory. Call before Sync.
// RegisterBuiltins registers every shipped provider.
func RegisterBuiltins(r *Registry) {
	r.Register("tencent", NewTencent)
	r.Register("iqiyi", NewIqiyi)
	r.Register("bilibili", NewBilibili)
	r.Register("gamer", NewGamer)
	r.Register("renren", NewRenren)
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names lists the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// Sync reconciles the scrapers table with the registered providers and
// (re)builds instances per the stored settings. Existing enabled flags
// and display order survive; a provider whose construction fails is
// logged and skipped so the rest of the registry still comes up.
func (r *Registry) Sync(ctx context.Context) error {
	if err := r.db.SyncScrapers(ctx, r.Names()); err != nil {
		return fmt.Errorf("sync scrapers table: %w", err)
	}
	settings, err := r.db.ScraperSettings(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, inst := range r.instances {
		inst.Close()
		delete(r.instances, name)
	}
	for _, s := range settings {
		factory, ok := r.factories[s.ProviderName]
		if !ok {
			continue
		}
		inst, err := factory(ctx, r.db, s.UseProxy)
		if err != nil {
			log.Printf("[registry] build %s failed: %v", s.ProviderName, err)
			continue
		}
		r.instances[s.ProviderName] = inst
	}
	return nil
}

// Get returns one provider's instance regardless of its enabled flag,
// for direct UI operations and actions.
func (r *Registry) Get(name string) (Scraper, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[name]
	if !ok {
		return nil, fmt.Errorf("scraper %q not available", name)
	}
	return inst, nil
}

// Enabled returns the enabled scrapers in display order, paired with
// their settings rows.
func (r *Registry) Enabled(ctx context.Context) ([]Scraper, []models.ScraperSetting, error) {
	settings, err := r.db.ScraperSettings(ctx)
	if err != nil {
		return nil, nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		out  []Scraper
		rows []models.ScraperSetting
	)
	for _, s := range settings {
		if !s.IsEnabled {
			continue
		}
		inst, ok := r.instances[s.ProviderName]
		if !ok {
			continue
		}
		out = append(out, inst)
		rows = append(rows, s)
	}
	return out, rows, nil
}

// Reload rebuilds every instance, picking up settings changes such as
// per-provider proxy flags.
func (r *Registry) Reload(ctx context.Context) error {
	return r.Sync(ctx)
}

// Close shuts every instance down.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, inst := range r.instances {
		inst.Close()
		delete(r.instances, name)
	}
}
