package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/virtlab-network/virtlab/pkg/topology"
	"github.com/virtlab-network/virtlab/pkg/util"
)

// MemoryStore keeps all records in process memory. It honors the same
// uniqueness rules as the Redis store and is the store used in tests and
// for store-less one-shot runs.
type MemoryStore struct {
	mu       sync.RWMutex
	configs  map[string]*topology.NodeConfig // version key → profile
	defaults map[string]string               // (model, kind) key → version
	labs     map[string]*LabRecord           // owner/name → record
	users    map[string]*UserRecord
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:  make(map[string]*topology.NodeConfig),
		defaults: make(map[string]string),
		labs:     make(map[string]*LabRecord),
		users:    make(map[string]*UserRecord),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) SaveConfig(ctx context.Context, cfg *topology.NodeConfig) error {
	if cfg.Model == "" || cfg.Kind == "" || cfg.Version == "" {
		return fmt.Errorf("store: profile needs model, kind and version: %w", util.ErrInvalidConfig)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cfg.VersionKey()
	if _, ok := s.configs[key]; ok {
		return fmt.Errorf("store: %s: %w", key, util.ErrAlreadyExists)
	}
	cp := *cfg
	s.configs[key] = &cp
	if cfg.Default {
		s.defaults[cfg.Key()] = cfg.Version
	}
	return nil
}

func (s *MemoryStore) GetConfig(ctx context.Context, model string, kind topology.NodeKind, version string) (*topology.NodeConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(model, kind, version)
}

func (s *MemoryStore) getLocked(model string, kind topology.NodeKind, version string) (*topology.NodeConfig, error) {
	key := (&topology.NodeConfig{Model: model, Kind: kind, Version: version}).VersionKey()
	cfg, ok := s.configs[key]
	if !ok {
		return nil, fmt.Errorf("store: %s: %w", key, util.ErrNotFound)
	}
	cp := *cfg
	cp.Default = s.defaults[cfg.Key()] == cfg.Version
	return &cp, nil
}

func (s *MemoryStore) DefaultConfig(ctx context.Context, model string, kind topology.NodeKind) (*topology.NodeConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := (&topology.NodeConfig{Model: model, Kind: kind}).Key()
	if version, ok := s.defaults[key]; ok {
		return s.getLocked(model, kind, version)
	}

	var only *topology.NodeConfig
	for _, cfg := range s.configs {
		if cfg.Key() != key {
			continue
		}
		if only != nil {
			return nil, fmt.Errorf("store: no default profile for %s: %w", key, util.ErrNotFound)
		}
		only = cfg
	}
	if only == nil {
		return nil, fmt.Errorf("store: no default profile for %s: %w", key, util.ErrNotFound)
	}
	cp := *only
	return &cp, nil
}

func (s *MemoryStore) ListConfigs(ctx context.Context) ([]*topology.NodeConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*topology.NodeConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		cp := *cfg
		cp.Default = s.defaults[cfg.Key()] == cfg.Version
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionKey() < out[j].VersionKey() })
	return out, nil
}

func (s *MemoryStore) DeleteConfig(ctx context.Context, model string, kind topology.NodeKind, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := &topology.NodeConfig{Model: model, Kind: kind, Version: version}
	if _, ok := s.configs[cfg.VersionKey()]; !ok {
		return fmt.Errorf("store: %s: %w", cfg.VersionKey(), util.ErrNotFound)
	}

	var users []string
	for _, rec := range s.labs {
		if rec.Topology == nil {
			continue
		}
		for _, node := range rec.Topology.Nodes {
			if node.Config == cfg.Key() || node.Config == cfg.VersionKey() {
				users = append(users, rec.Owner+"/"+rec.Name)
				break
			}
		}
	}
	if len(users) > 0 {
		sort.Strings(users)
		return util.NewInUseError("profile "+cfg.VersionKey(), users...)
	}

	delete(s.configs, cfg.VersionKey())
	if s.defaults[cfg.Key()] == version {
		delete(s.defaults, cfg.Key())
	}
	return nil
}

func (s *MemoryStore) SaveLab(ctx context.Context, rec *LabRecord) error {
	if rec.Owner == "" || rec.Name == "" {
		return fmt.Errorf("store: lab record needs owner and name: %w", util.ErrInvalidConfig)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.labs[rec.Owner+"/"+rec.Name] = &cp
	return nil
}

func (s *MemoryStore) GetLab(ctx context.Context, owner, name string) (*LabRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.labs[owner+"/"+name]
	if !ok {
		return nil, fmt.Errorf("store: lab %s/%s: %w", owner, name, util.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListLabs(ctx context.Context, owner string) ([]*LabRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*LabRecord, 0, len(s.labs))
	for _, rec := range s.labs {
		if owner != "" && rec.Owner != owner {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner < out[j].Owner
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *MemoryStore) DeleteLab(ctx context.Context, owner, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := owner + "/" + name
	if _, ok := s.labs[key]; !ok {
		return fmt.Errorf("store: lab %s: %w", key, util.ErrNotFound)
	}
	delete(s.labs, key)
	return nil
}

func (s *MemoryStore) SaveUser(ctx context.Context, u *UserRecord) error {
	if !topology.ValidUsername(u.Name) {
		return fmt.Errorf("store: invalid username %q: %w", u.Name, util.ErrInvalidConfig)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.Name] = &cp
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, name string) (*UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[name]
	if !ok {
		return nil, fmt.Errorf("store: user %s: %w", name, util.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) ListUsers(ctx context.Context) ([]*UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*UserRecord, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteUser removes the user and cascades to every lab they own.
func (s *MemoryStore) DeleteUser(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[name]; !ok {
		return fmt.Errorf("store: user %s: %w", name, util.ErrNotFound)
	}
	delete(s.users, name)
	for key, rec := range s.labs {
		if rec.Owner == name {
			delete(s.labs, key)
		}
	}
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
