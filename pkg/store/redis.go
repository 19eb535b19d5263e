package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/virtlab-network/virtlab/pkg/topology"
	"github.com/virtlab-network/virtlab/pkg/util"
)

// Key layout:
//
//	virtlab:config:<model>:<kind>:<version>  profile JSON
//	virtlab:default:<model>:<kind>           default version string
//	virtlab:lab:<owner>:<name>               lab record JSON
//	virtlab:user:<name>                      user record JSON
const (
	keyPrefix  = "virtlab"
	configNS   = keyPrefix + ":config:"
	defaultNS  = keyPrefix + ":default:"
	labNS      = keyPrefix + ":lab:"
	userNS     = keyPrefix + ":user:"
)

// RedisStore persists records in a shared Redis instance.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: connect %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

// Close closes the connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func configKey(model string, kind topology.NodeKind, version string) string {
	return fmt.Sprintf("%s%s:%s:%s", configNS, model, kind, version)
}

func defaultKey(model string, kind topology.NodeKind) string {
	return fmt.Sprintf("%s%s:%s", defaultNS, model, kind)
}

func labKey(owner, name string) string {
	return fmt.Sprintf("%s%s:%s", labNS, owner, name)
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v interface{}, create bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", key, err)
	}
	if create {
		ok, err := s.client.SetNX(ctx, key, data, 0).Result()
		if err != nil {
			return fmt.Errorf("store: write %s: %w", key, err)
		}
		if !ok {
			return fmt.Errorf("store: %s: %w", key, util.ErrAlreadyExists)
		}
		return nil
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("store: write %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("store: %s: %w", key, util.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("store: read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: decode %s: %w", key, err)
	}
	return nil
}

// SaveConfig stores a new profile. An existing (model, kind, version) is
// left untouched and reported via util.ErrAlreadyExists. A Default profile
// takes over the (model, kind) default pointer.
func (s *RedisStore) SaveConfig(ctx context.Context, cfg *topology.NodeConfig) error {
	if cfg.Model == "" || cfg.Kind == "" || cfg.Version == "" {
		return fmt.Errorf("store: profile needs model, kind and version: %w", util.ErrInvalidConfig)
	}
	if err := s.setJSON(ctx, configKey(cfg.Model, cfg.Kind, cfg.Version), cfg, true); err != nil {
		return err
	}
	if cfg.Default {
		if err := s.client.Set(ctx, defaultKey(cfg.Model, cfg.Kind), cfg.Version, 0).Err(); err != nil {
			return fmt.Errorf("store: set default %s: %w", cfg.Key(), err)
		}
	}
	return nil
}

// GetConfig returns one profile by full identity.
func (s *RedisStore) GetConfig(ctx context.Context, model string, kind topology.NodeKind, version string) (*topology.NodeConfig, error) {
	var cfg topology.NodeConfig
	if err := s.getJSON(ctx, configKey(model, kind, version), &cfg); err != nil {
		return nil, err
	}
	cfg.Default = s.isDefault(ctx, &cfg)
	return &cfg, nil
}

// DefaultConfig resolves the default version for a (model, kind). When no
// default pointer is set and exactly one version exists, that version is
// returned.
func (s *RedisStore) DefaultConfig(ctx context.Context, model string, kind topology.NodeKind) (*topology.NodeConfig, error) {
	version, err := s.client.Get(ctx, defaultKey(model, kind)).Result()
	if err == nil {
		return s.GetConfig(ctx, model, kind, version)
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("store: read default %s:%s: %w", model, kind, err)
	}

	keys, err := s.client.Keys(ctx, configKey(model, kind, "*")).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list %s:%s: %w", model, kind, err)
	}
	if len(keys) != 1 {
		return nil, fmt.Errorf("store: no default profile for %s:%s: %w", model, kind, util.ErrNotFound)
	}
	var cfg topology.NodeConfig
	if err := s.getJSON(ctx, keys[0], &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListConfigs returns every stored profile sorted by version key.
func (s *RedisStore) ListConfigs(ctx context.Context) ([]*topology.NodeConfig, error) {
	keys, err := s.client.Keys(ctx, configNS+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("store: list configs: %w", err)
	}
	sort.Strings(keys)

	out := make([]*topology.NodeConfig, 0, len(keys))
	for _, key := range keys {
		var cfg topology.NodeConfig
		if err := s.getJSON(ctx, key, &cfg); err != nil {
			if errors.Is(err, util.ErrNotFound) {
				continue // deleted between KEYS and GET
			}
			return nil, err
		}
		cfg.Default = s.isDefault(ctx, &cfg)
		out = append(out, &cfg)
	}
	return out, nil
}

// DeleteConfig removes a profile unless a saved lab still references it.
func (s *RedisStore) DeleteConfig(ctx context.Context, model string, kind topology.NodeKind, version string) error {
	cfg := &topology.NodeConfig{Model: model, Kind: kind, Version: version}
	users, err := s.labsReferencing(ctx, cfg)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return util.NewInUseError("profile "+cfg.VersionKey(), users...)
	}

	n, err := s.client.Del(ctx, configKey(model, kind, version)).Result()
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", cfg.VersionKey(), err)
	}
	if n == 0 {
		return fmt.Errorf("store: %s: %w", cfg.VersionKey(), util.ErrNotFound)
	}
	// Drop a default pointer aimed at the deleted version.
	cur, err := s.client.Get(ctx, defaultKey(model, kind)).Result()
	if err == nil && cur == version {
		s.client.Del(ctx, defaultKey(model, kind))
	}
	return nil
}

func (s *RedisStore) isDefault(ctx context.Context, cfg *topology.NodeConfig) bool {
	cur, err := s.client.Get(ctx, defaultKey(cfg.Model, cfg.Kind)).Result()
	return err == nil && cur == cfg.Version
}

// labsReferencing returns names of saved labs whose nodes use the profile.
func (s *RedisStore) labsReferencing(ctx context.Context, cfg *topology.NodeConfig) ([]string, error) {
	labs, err := s.ListLabs(ctx, "")
	if err != nil {
		return nil, err
	}
	var users []string
	for _, rec := range labs {
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
	return users, nil
}

// SaveLab writes or overwrites a lab record.
func (s *RedisStore) SaveLab(ctx context.Context, rec *LabRecord) error {
	if rec.Owner == "" || rec.Name == "" {
		return fmt.Errorf("store: lab record needs owner and name: %w", util.ErrInvalidConfig)
	}
	return s.setJSON(ctx, labKey(rec.Owner, rec.Name), rec, false)
}

// GetLab returns one lab record.
func (s *RedisStore) GetLab(ctx context.Context, owner, name string) (*LabRecord, error) {
	var rec LabRecord
	if err := s.getJSON(ctx, labKey(owner, name), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListLabs returns lab records for one owner, or all when owner is empty.
func (s *RedisStore) ListLabs(ctx context.Context, owner string) ([]*LabRecord, error) {
	pattern := labNS + "*"
	if owner != "" {
		pattern = labKey(owner, "*")
	}
	keys, err := s.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list labs: %w", err)
	}
	sort.Strings(keys)

	out := make([]*LabRecord, 0, len(keys))
	for _, key := range keys {
		var rec LabRecord
		if err := s.getJSON(ctx, key, &rec); err != nil {
			if errors.Is(err, util.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, nil
}

// DeleteLab removes a lab record. Deleting an absent record is an error so
// callers can distinguish cleanup from typos.
func (s *RedisStore) DeleteLab(ctx context.Context, owner, name string) error {
	n, err := s.client.Del(ctx, labKey(owner, name)).Result()
	if err != nil {
		return fmt.Errorf("store: delete lab %s/%s: %w", owner, name, err)
	}
	if n == 0 {
		return fmt.Errorf("store: lab %s/%s: %w", owner, name, util.ErrNotFound)
	}
	return nil
}

// SaveUser writes or overwrites a user record.
func (s *RedisStore) SaveUser(ctx context.Context, u *UserRecord) error {
	if !topology.ValidUsername(u.Name) {
		return fmt.Errorf("store: invalid username %q: %w", u.Name, util.ErrInvalidConfig)
	}
	return s.setJSON(ctx, userNS+u.Name, u, false)
}

// GetUser returns one user record.
func (s *RedisStore) GetUser(ctx context.Context, name string) (*UserRecord, error) {
	var u UserRecord
	if err := s.getJSON(ctx, userNS+name, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns every stored user sorted by name.
func (s *RedisStore) ListUsers(ctx context.Context) ([]*UserRecord, error) {
	keys, err := s.client.Keys(ctx, userNS+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	sort.Strings(keys)

	out := make([]*UserRecord, 0, len(keys))
	for _, key := range keys {
		var u UserRecord
		if err := s.getJSON(ctx, key, &u); err != nil {
			if errors.Is(err, util.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, &u)
	}
	return out, nil
}

// DeleteUser removes a user and every lab record they own.
func (s *RedisStore) DeleteUser(ctx context.Context, name string) error {
	n, err := s.client.Del(ctx, userNS+name).Result()
	if err != nil {
		return fmt.Errorf("store: delete user %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("store: user %s: %w", name, util.ErrNotFound)
	}

	keys, err := s.client.Keys(ctx, labKey(name, "*")).Result()
	if err != nil {
		return fmt.Errorf("store: list labs for %s: %w", name, err)
	}
	for _, key := range keys {
		if !strings.HasPrefix(key, labNS) {
			continue
		}
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("store: delete %s: %w", key, err)
		}
	}
	return nil
}
