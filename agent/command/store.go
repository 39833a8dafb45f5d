// Package command implements the durable command log and the validating,
// dispatching command handler that pulls COMMAND messages off the queue.
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/endpointguard/agent/internal/store"
)

// Status is the terminal (or transitional) state of a command entry.
type Status int

const (
	StatusUnknown Status = iota
	StatusInProgress
	StatusSuccess
	StatusFailure
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "IN_PROGRESS"
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailure:
		return "FAILURE"
	case StatusTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// ExecutionMode selects how the handler dispatches an accepted command.
type ExecutionMode string

const (
	ModeSync  ExecutionMode = "SYNC"
	ModeAsync ExecutionMode = "ASYNC"
)

// ErrAlreadyExists is returned by Store when an entry with the same id has
// already been recorded; the command store is idempotent on id so replayed
// commands are rejected rather than re-executed.
var ErrAlreadyExists = errors.New("command: already exists")

// Entry is the durable record of one accepted command.
type Entry struct {
	ID            string        `gorm:"column:id;primaryKey"`
	Module        string        `gorm:"column:module"`
	Command       string        `gorm:"column:command"`
	Parameters    []byte        `gorm:"column:parameters"`
	ExecutionMode ExecutionMode `gorm:"column:execution_mode"`
	AcceptedAt    time.Time     `gorm:"column:accepted_at"`
	Status        Status        `gorm:"column:status"`
	ResultMessage string        `gorm:"column:result_message"`
}

func (Entry) TableName() string { return "commands" }

// Store is the durable command log described by §4.C: idempotent Store,
// mutable Update, status-filtered listing, and startup crash-recovery of
// rows left IN_PROGRESS by an unclean shutdown.
type Store struct {
	st     *store.Store
	logger *zap.Logger
}

// NewStore opens the command store over an already-open persistence handle.
func NewStore(st *store.Store, logger *zap.Logger) (*Store, error) {
	if err := st.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("command: automigrate: %w", err)
	}
	return &Store{st: st, logger: logger.With(zap.String("component", "command_store"))}, nil
}

// Store persists a new entry. It is idempotent on ID: a second Store call
// for the same id fails with ErrAlreadyExists, rejecting replayed commands.
func (s *Store) Store(ctx context.Context, e *Entry) error {
	err := s.st.DB().WithContext(ctx).Create(e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("command: store: %w", err)
	}
	return nil
}

// Update rewrites the mutable fields (status, result_message) of an
// existing entry.
func (s *Store) Update(ctx context.Context, id string, status Status, resultMessage string) error {
	res := s.st.DB().WithContext(ctx).Model(&Entry{}).Where("id = ?", id).
		Updates(map[string]any{"status": status, "result_message": resultMessage})
	if res.Error != nil {
		return fmt.Errorf("command: update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Get retrieves a single entry by id.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	var e Entry
	err := s.st.DB().WithContext(ctx).Where("id = ?", id).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("command: get: %w", err)
	}
	return &e, nil
}

// GetByStatus returns every entry with the given status.
func (s *Store) GetByStatus(ctx context.Context, status Status) ([]Entry, error) {
	var entries []Entry
	if err := s.st.DB().WithContext(ctx).Where("status = ?", status).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("command: get_by_status: %w", err)
	}
	return entries, nil
}

// Delete removes a single entry by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.st.DB().WithContext(ctx).Where("id = ?", id).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("command: delete: %w", err)
	}
	return nil
}

// Clear removes every entry. Administrative operation, not used in the
// normal command-processing path.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.st.DB().WithContext(ctx).Where("1 = 1").Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("command: clear: %w", err)
	}
	return nil
}

// RecoverInProgress rewrites every row left at IN_PROGRESS by an unclean
// shutdown to FAILURE with the fixed reason "Agent stopped during
// execution", returning the recovered ids so the caller can emit one result
// event per row.
func (s *Store) RecoverInProgress(ctx context.Context) ([]string, error) {
	stuck, err := s.GetByStatus(ctx, StatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("command: recover: %w", err)
	}
	ids := make([]string, 0, len(stuck))
	for _, e := range stuck {
		if err := s.Update(ctx, e.ID, StatusFailure, "Agent stopped during execution"); err != nil {
			s.logger.Error("failed to recover in-progress command", zap.String("id", e.ID), zap.Error(err))
			continue
		}
		ids = append(ids, e.ID)
	}
	return ids, nil
}
