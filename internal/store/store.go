package store

import (
	"context"
	"errors"

	"github.com/seqlab/benchd/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrInvalidTransition is returned when a status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrAlreadyResolved is returned when resolving an uncertain change that has
// already been resolved. Resolved entries are immutable.
var ErrAlreadyResolved = errors.New("change already resolved")

// RunStats holds aggregate run statistics.
type RunStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for the catalog: protocols,
// assets, runs, control commands, uncertain state changes, and the audit
// trail. Status updates enforce the model transition tables.
type Store interface {
	PutProtocol(ctx context.Context, p *model.ProtocolDefinition) error
	GetProtocol(ctx context.Context, id string) (*model.ProtocolDefinition, error)
	ListProtocols(ctx context.Context) ([]*model.ProtocolDefinition, error)

	PutAsset(ctx context.Context, a *model.Asset) error
	GetAsset(ctx context.Context, id string) (*model.Asset, error)
	ListAssets(ctx context.Context, category string) ([]*model.Asset, error)
	UpdateAssetStatus(ctx context.Context, id, status string) error

	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, status string, limit, offset int) ([]*model.Run, int, error)
	ListRunsByStatus(ctx context.Context, statuses ...string) ([]*model.Run, error)
	UpdateRunStatus(ctx context.Context, id, status string) error
	UpdateRun(ctx context.Context, r *model.Run) error
	GetRunStats(ctx context.Context) (*RunStats, error)

	AddCommand(ctx context.Context, cmd *model.ControlCommand) error
	NextCommand(ctx context.Context, runID string) (*model.ControlCommand, error)
	ConsumeCommand(ctx context.Context, id string) error

	AddUncertainChanges(ctx context.Context, changes []*model.UncertainStateChange) error
	GetUncertainChange(ctx context.Context, id string) (*model.UncertainStateChange, error)
	ListUncertainChanges(ctx context.Context, runID string, unresolvedOnly bool) ([]*model.UncertainStateChange, error)
	ResolveUncertainChange(ctx context.Context, id, resolution string, value any, resolvedBy string) error

	AppendAudit(ctx context.Context, e *model.AuditEvent) error
	ListAudit(ctx context.Context, runID string) ([]model.AuditEvent, error)

	Close() error
}
