package region

import (
	"context"
	"errors"
	"sync"

	"github.com/smallbiznis/auditrail/internal/config"
	"github.com/smallbiznis/auditrail/internal/regionstore"
	"go.uber.org/zap"
)

var ErrUnknownRegion = errors.New("unknown_region")

type poolEntry struct {
	mu    sync.Mutex
	spec  config.RegionSpec
	store regionstore.Store
}

// Pool keeps one live store per region. Stores open lazily on first use and
// are shared afterwards; a slow open only blocks callers of that region.
type Pool struct {
	opener   regionstore.Opener
	topology *config.TopologyHolder
	log      *zap.Logger

	mu      sync.Mutex
	entries map[string]*poolEntry
}

func NewPool(opener regionstore.Opener, topology *config.TopologyHolder, log *zap.Logger) *Pool {
	p := &Pool{
		opener:   opener,
		topology: topology,
		log:      log.Named("region.pool"),
		entries:  make(map[string]*poolEntry),
	}
	topology.OnChange(p.reconcile)
	return p
}

func (p *Pool) Get(ctx context.Context, region string) (regionstore.Store, error) {
	spec, ok := p.topology.Get().Lookup(region)
	if !ok {
		return nil, ErrUnknownRegion
	}

	p.mu.Lock()
	entry, ok := p.entries[region]
	if !ok {
		entry = &poolEntry{spec: spec}
		p.entries[region] = entry
	}
	p.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.store != nil {
		return entry.store, nil
	}
	store, err := p.opener.Open(ctx, entry.spec)
	if err != nil {
		return nil, err
	}
	entry.store = store
	return store, nil
}

// Regions lists the regions of the current topology.
func (p *Pool) Regions() []string {
	return p.topology.Get().Names()
}

// CloseAll closes every open store. The pool stays usable and reopens on
// the next Get.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	var errs []error
	for name, entry := range entries {
		if err := closeEntry(entry); err != nil {
			p.log.Warn("close region store", zap.String("region", name), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// reconcile closes stores whose region was removed or whose database
// settings changed.
func (p *Pool) reconcile(t config.Topology) {
	p.mu.Lock()
	var stale []*poolEntry
	for name, entry := range p.entries {
		spec, ok := t.Lookup(name)
		if ok && spec.Database == entry.spec.Database {
			continue
		}
		delete(p.entries, name)
		stale = append(stale, entry)
	}
	p.mu.Unlock()

	for _, entry := range stale {
		if err := closeEntry(entry); err != nil {
			p.log.Warn("close stale region store", zap.String("region", entry.spec.Name), zap.Error(err))
		}
	}
}

func closeEntry(entry *poolEntry) error {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.store == nil {
		return nil
	}
	err := entry.store.Close()
	entry.store = nil
	return err
}
