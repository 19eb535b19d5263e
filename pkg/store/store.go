// Package store persists node config profiles, lab records and users. Two
// implementations exist: Redis for shared deployments and an in-memory
// store for tests and single-shot use. Uniqueness rules live here, not in
// the callers: one profile per (model, kind, version), at most one default
// per (model, kind), one lab per (owner, name), and profiles referenced by
// a saved lab cannot be deleted.
package store

import (
	"context"
	"time"

	"github.com/virtlab-network/virtlab/pkg/backend"
	"github.com/virtlab-network/virtlab/pkg/stitch"
	"github.com/virtlab-network/virtlab/pkg/topology"
)

// LabRecord is the persisted form of a deployed or defined lab. Handles
// carry the backend resource identities needed to destroy the lab from a
// process that did not bring it up.
type LabRecord struct {
	ID        string                       `json:"id"`
	Name      string                       `json:"name"`
	Owner     string                       `json:"owner"`
	State     string                       `json:"state"`
	CreatedAt time.Time                    `json:"created_at"`
	Topology  *topology.Lab                `json:"topology"`
	Links     map[int]*stitch.RealizedLink `json:"links,omitempty"`
	Handles   map[string]backend.Handle    `json:"handles,omitempty"`
}

// UserRecord is a stored user with credentials.
type UserRecord struct {
	Name         string    `json:"name"`
	Admin        bool      `json:"admin"`
	SSHKeys      []string  `json:"ssh_keys,omitempty"`
	PasswordHash string    `json:"password_hash,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store is the persistence surface the CLI and coordinator depend on.
//
// SaveConfig refuses to overwrite an existing (model, kind, version) and
// returns util.ErrAlreadyExists; saving a profile with Default set clears
// the previous default for its (model, kind). DeleteConfig returns a
// util.InUseError when any saved lab references the profile. List methods
// return records sorted by key so callers see a stable order.
type Store interface {
	SaveConfig(ctx context.Context, cfg *topology.NodeConfig) error
	GetConfig(ctx context.Context, model string, kind topology.NodeKind, version string) (*topology.NodeConfig, error)
	DefaultConfig(ctx context.Context, model string, kind topology.NodeKind) (*topology.NodeConfig, error)
	ListConfigs(ctx context.Context) ([]*topology.NodeConfig, error)
	DeleteConfig(ctx context.Context, model string, kind topology.NodeKind, version string) error

	SaveLab(ctx context.Context, rec *LabRecord) error
	GetLab(ctx context.Context, owner, name string) (*LabRecord, error)
	ListLabs(ctx context.Context, owner string) ([]*LabRecord, error)
	DeleteLab(ctx context.Context, owner, name string) error

	SaveUser(ctx context.Context, u *UserRecord) error
	GetUser(ctx context.Context, name string) (*UserRecord, error)
	ListUsers(ctx context.Context) ([]*UserRecord, error)
	DeleteUser(ctx context.Context, name string) error

	Close() error
}

// Profiles loads every stored config into the keyed map the validator
// consumes. When a lab pins no version, the default version for each
// (model, kind) wins the key.
func Profiles(ctx context.Context, s Store) (map[string]*topology.NodeConfig, error) {
	configs, err := s.ListConfigs(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*topology.NodeConfig, len(configs))
	for _, cfg := range configs {
		out[cfg.VersionKey()] = cfg
		if cfg.Default {
			out[cfg.Key()] = cfg
		}
	}
	// A lone version for its (model, kind) serves as the unpinned profile
	// even when not flagged default.
	for _, cfg := range configs {
		if _, ok := out[cfg.Key()]; !ok {
			out[cfg.Key()] = cfg
		}
	}
	return out, nil
}
