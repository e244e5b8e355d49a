// Package checkpoint manages the lifecycle of checkpoints: versioned,
// isolated datasets with their own vector namespace, documents, turns and
// behavioral configuration.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/scrypster/checkpoint/internal/storage"
	"github.com/scrypster/checkpoint/pkg/types"
)

// DeleteOptions controls Delete.
type DeleteOptions struct {
	// Force allows deleting the active checkpoint. The highest remaining
	// version then becomes active.
	Force bool
}

// DeleteResult reports the outcome of a delete.
type DeleteResult struct {
	Deleted string `json:"deleted"`
	// NewActive is the checkpoint activated in place of the deleted one, or
	// empty.
	NewActive string `json:"new_active,omitempty"`
}

// Manager creates, activates, lists and deletes checkpoints. It is the only
// writer of checkpoint rows and vector namespaces.
type Manager struct {
	store  storage.CheckpointStore
	index  storage.VectorIndex
	logger *slog.Logger
}

// NewManager creates a Manager. A nil logger means slog.Default().
func NewManager(store storage.CheckpointStore, index storage.VectorIndex, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, index: index, logger: logger}
}

// Create registers a new, inactive checkpoint with an empty namespace.
func (m *Manager) Create(ctx context.Context, version, description string, cfg types.CheckpointConfig) (*types.Checkpoint, error) {
	if err := types.ValidateVersion(version); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// The row goes first: its unique key decides concurrent creates, so a
	// losing caller never touches the winner's namespace.
	cp := &types.Checkpoint{Version: version, Description: strings.TrimSpace(description), Config: cfg}
	if err := m.store.CreateCheckpoint(ctx, cp); err != nil {
		return nil, err
	}

	if err := m.index.CreateNamespace(ctx, storage.Namespace(version)); err != nil {
		if _, delErr := m.store.DeleteCheckpoint(ctx, version); delErr != nil {
			m.logger.Error("failed to remove checkpoint after namespace failure", "checkpoint", version, "error", delErr)
		}
		return nil, fmt.Errorf("failed to create namespace for %s: %w", version, err)
	}

	m.logger.Info("checkpoint created", "checkpoint", version)
	return cp, nil
}

// Activate makes version the single active checkpoint.
func (m *Manager) Activate(ctx context.Context, version string) (*types.Checkpoint, error) {
	if err := m.store.ActivateCheckpoint(ctx, version); err != nil {
		return nil, err
	}
	m.logger.Info("checkpoint activated", "checkpoint", version)
	return m.store.GetCheckpoint(ctx, version)
}

// Delete removes a checkpoint with its namespace, documents and turns. The
// active checkpoint is refused with types.ErrCannotDeleteActive unless
// opts.Force is set.
func (m *Manager) Delete(ctx context.Context, version string, opts DeleteOptions) (*DeleteResult, error) {
	cp, err := m.store.GetCheckpoint(ctx, version)
	if err != nil {
		return nil, err
	}
	if cp.IsActive && !opts.Force {
		return nil, fmt.Errorf("%w: %s (activate another checkpoint or force)", types.ErrCannotDeleteActive, version)
	}

	// The row goes first so a failure never leaves a checkpoint whose
	// namespace is gone. A namespace left behind is emptied by
	// CreateNamespace if the version is reused.
	newActive, err := m.store.DeleteCheckpoint(ctx, version)
	if err != nil {
		return nil, err
	}
	if err := m.index.DropNamespace(ctx, storage.Namespace(version)); err != nil {
		m.logger.Error("failed to drop namespace", "checkpoint", version, "error", err)
		return nil, fmt.Errorf("%w: checkpoint %s deleted but its namespace remains: %w", types.ErrStorageInconsistency, version, err)
	}

	m.logger.Info("checkpoint deleted", "checkpoint", version, "new_active", newActive)
	return &DeleteResult{Deleted: version, NewActive: newActive}, nil
}

// List returns every checkpoint in version order.
func (m *Manager) List(ctx context.Context) ([]*types.Checkpoint, error) {
	return m.store.ListCheckpoints(ctx)
}

// Get returns one checkpoint.
func (m *Manager) Get(ctx context.Context, version string) (*types.Checkpoint, error) {
	return m.store.GetCheckpoint(ctx, version)
}

// Active returns the active checkpoint.
func (m *Manager) Active(ctx context.Context) (*types.Checkpoint, error) {
	return m.store.GetActiveCheckpoint(ctx)
}

// Resolve returns the checkpoint named by version, or the active one when
// version is empty.
func (m *Manager) Resolve(ctx context.Context, version string) (*types.Checkpoint, error) {
	if version == "" {
		return m.store.GetActiveCheckpoint(ctx)
	}
	return m.store.GetCheckpoint(ctx, version)
}

// UpdateConfig replaces the behavioral configuration, keeping the
// description unless a new one is given.
func (m *Manager) UpdateConfig(ctx context.Context, version string, description *string, cfg types.CheckpointConfig) (*types.Checkpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cp, err := m.store.GetCheckpoint(ctx, version)
	if err != nil {
		return nil, err
	}
	desc := cp.Description
	if description != nil {
		desc = strings.TrimSpace(*description)
	}
	if err := m.store.UpdateCheckpoint(ctx, version, desc, cfg); err != nil {
		return nil, err
	}
	return m.store.GetCheckpoint(ctx, version)
}
