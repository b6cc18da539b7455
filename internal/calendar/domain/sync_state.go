package domain

import (
	"context"
	"time"

	sharedDomain "github.com/felixgeelhaar/calsync/internal/shared/domain"
	"github.com/google/uuid"
)

// SyncState tracks the synchronization state of one user.
type SyncState struct {
	sharedDomain.BaseEntity
	userID       uuid.UUID
	lastRunID    uuid.UUID // sync log run of the last attempt
	lastSyncedAt time.Time // When the last successful pass finished
	lastSyncHash string    // Fingerprint of the remote set seen by the last successful pass
	syncErrors   int       // Count of consecutive failed passes
	lastError    string    // Last error message if any
}

// NewSyncState creates a new sync state for a user.
func NewSyncState(userID uuid.UUID) *SyncState {
	return &SyncState{
		BaseEntity:   sharedDomain.NewBaseEntity(),
		userID:       userID,
		lastSyncedAt: time.Time{},
		lastSyncHash: "",
		syncErrors:   0,
		lastError:    "",
	}
}

// Getters
func (s *SyncState) UserID() uuid.UUID       { return s.userID }
func (s *SyncState) LastRunID() uuid.UUID    { return s.lastRunID }
func (s *SyncState) LastSyncedAt() time.Time { return s.lastSyncedAt }
func (s *SyncState) LastSyncHash() string    { return s.lastSyncHash }
func (s *SyncState) SyncErrors() int         { return s.syncErrors }
func (s *SyncState) LastError() string       { return s.lastError }

// HasSynced returns true if at least one successful sync has occurred.
func (s *SyncState) HasSynced() bool {
	return !s.lastSyncedAt.IsZero()
}

// IsDue reports whether the user has not synced successfully within interval.
func (s *SyncState) IsDue(now time.Time, interval time.Duration) bool {
	return s.lastSyncedAt.IsZero() || now.Sub(s.lastSyncedAt) >= interval
}

// MarkSyncSuccess records a successful pass.
func (s *SyncState) MarkSyncSuccess(runID uuid.UUID, syncHash string) {
	s.lastRunID = runID
	s.lastSyncHash = syncHash
	s.lastSyncedAt = time.Now().UTC()
	s.syncErrors = 0
	s.lastError = ""
	s.Touch()
}

// MarkSyncFailure records a failed pass.
func (s *SyncState) MarkSyncFailure(runID uuid.UUID, err string) {
	s.lastRunID = runID
	s.syncErrors++
	s.lastError = err
	s.Touch()
}

// RehydrateSyncState recreates a sync state from persisted data.
func RehydrateSyncState(
	id uuid.UUID,
	userID uuid.UUID,
	lastRunID uuid.UUID,
	lastSyncedAt time.Time,
	lastSyncHash string,
	syncErrors int,
	lastError string,
	createdAt, updatedAt time.Time,
) *SyncState {
	return &SyncState{
		BaseEntity:   sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt),
		userID:       userID,
		lastRunID:    lastRunID,
		lastSyncedAt: lastSyncedAt,
		lastSyncHash: lastSyncHash,
		syncErrors:   syncErrors,
		lastError:    lastError,
	}
}

// SyncStateRepository defines the interface for sync state persistence.
type SyncStateRepository interface {
	// Save persists a sync state (create or update).
	Save(ctx context.Context, state *SyncState) error

	// FindByUser finds the sync state of a user.
	FindByUser(ctx context.Context, userID uuid.UUID) (*SyncState, error)

	// FindAll finds every sync state.
	FindAll(ctx context.Context) ([]*SyncState, error)

	// Delete removes the sync state of a user.
	DeleteByUser(ctx context.Context, userID uuid.UUID) error
}
