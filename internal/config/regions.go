package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/auditrail/pkg/db"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// RegionSpec describes one data region and the store that backs it.
type RegionSpec struct {
	Name     string    `mapstructure:"name"`
	Database db.Config `mapstructure:"database"`
}

// Topology is the set of regions the deployment writes to.
type Topology struct {
	DefaultRegion string       `mapstructure:"defaultRegion"`
	Regions       []RegionSpec `mapstructure:"regions"`
}

func (t Topology) Lookup(name string) (RegionSpec, bool) {
	for _, r := range t.Regions {
		if r.Name == name {
			return r, true
		}
	}
	return RegionSpec{}, false
}

func (t Topology) Names() []string {
	out := make([]string, 0, len(t.Regions))
	for _, r := range t.Regions {
		out = append(out, r.Name)
	}
	return out
}

// DefaultTopology serves a single region on the global database. It is used
// when no regions.yml is present.
func DefaultTopology(cfg Config) Topology {
	name := strings.TrimSpace(cfg.DefaultRegion)
	if name == "" {
		name = "us-east"
	}
	return Topology{
		DefaultRegion: name,
		Regions:       []RegionSpec{{Name: name, Database: cfg.Database}},
	}
}

// TopologyHolder keeps the live region topology and reloads it when the
// file changes on disk.
type TopologyHolder struct {
	current atomic.Value // holds Topology

	mu        sync.Mutex
	listeners []func(Topology)
}

// NewStaticTopologyHolder returns a holder without a file watcher.
func NewStaticTopologyHolder(t Topology) (*TopologyHolder, error) {
	if err := validateTopology(t); err != nil {
		return nil, err
	}
	holder := &TopologyHolder{}
	holder.current.Store(t)
	return holder, nil
}

func NewTopologyHolder(cfg Config, log *zap.Logger) (*TopologyHolder, error) {
	log = log.Named("config.regions")
	v := viper.New()

	if cfg.RegionsFile != "" {
		v.SetConfigFile(cfg.RegionsFile)
	} else {
		v.SetConfigName("regions")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/auditrail")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("AUDITRAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Info("regions file not found, serving default region", zap.String("region", cfg.DefaultRegion))
		return NewStaticTopologyHolder(DefaultTopology(cfg))
	}

	topology, err := decodeTopology(v, cfg)
	if err != nil {
		return nil, err
	}

	holder := &TopologyHolder{}
	holder.current.Store(topology)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeTopology(v, cfg)
		if err != nil {
			log.Warn("regions reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.Store(updated)
		log.Info("regions reloaded", zap.String("file", e.Name), zap.Strings("regions", updated.Names()))
	})

	return holder, nil
}

func (h *TopologyHolder) Get() Topology {
	return h.current.Load().(Topology)
}

// Store swaps the topology and notifies subscribers.
func (h *TopologyHolder) Store(t Topology) {
	h.current.Store(t)

	h.mu.Lock()
	listeners := append([]func(Topology){}, h.listeners...)
	h.mu.Unlock()

	for _, fn := range listeners {
		fn(t)
	}
}

// OnChange registers fn to run after every reload.
func (h *TopologyHolder) OnChange(fn func(Topology)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

func decodeTopology(v *viper.Viper, cfg Config) (Topology, error) {
	var t Topology
	if err := v.Unmarshal(&t); err != nil {
		return Topology{}, err
	}
	if t.DefaultRegion == "" {
		t.DefaultRegion = cfg.DefaultRegion
	}
	if err := validateTopology(t); err != nil {
		return Topology{}, err
	}
	return t, nil
}

func validateTopology(t Topology) error {
	if len(t.Regions) == 0 {
		return errors.New("regions cannot be empty")
	}
	seen := make(map[string]struct{}, len(t.Regions))
	for _, r := range t.Regions {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return errors.New("region name is required")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate region %q", name)
		}
		seen[name] = struct{}{}
	}
	if _, ok := seen[t.DefaultRegion]; !ok {
		return fmt.Errorf("default region %q is not configured", t.DefaultRegion)
	}
	return nil
}
