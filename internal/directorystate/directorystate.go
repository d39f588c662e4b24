// Package directorystate owns the per-directory lifecycle transitions a
// sync run drives: enabled, enabled-but-errored, and the three disabled
// variants. It never runs a sync itself; the worker calls Apply once per
// run with whatever *classify.Failure (or nil, for success) the run produced.
package directorystate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/firezone/idpsync/internal/classify"
	"github.com/firezone/idpsync/internal/model"
)

// State is the directory's lifecycle state, persisted as the combination of
// is_disabled/disabled_reason/errored_at rather than its own column.
type State string

const (
	StateEnabled               State = "enabled"
	StateEnabledErroredTransient State = "enabled+errored_transient"
	StateDisabledClientError    State = "disabled_client_error"
	StateDisabledAccount        State = "disabled_account"
	StateDisabledOperator       State = "disabled_operator"
)

// disabledReasonClientError is the literal, user-facing disabled_reason
// value written whenever a directory is auto-disabled following a
// client_error verdict (or a transient error left unresolved past the
// promotion window) — distinct from the StateDisabledClientError constant
// above, which names the lifecycle state, not the persisted reason text.
const disabledReasonClientError = "Sync error"

// DefaultPromotionWindow is how long a directory may sit in
// enabled+errored_transient before an unresolved transient error is treated
// as fatal and the directory is disabled anyway, absent an override from
// config.Config.DeletionThresholdTransientToFatal.
const DefaultPromotionWindow = 24 * time.Hour

// Store applies directory state transitions against the database.
type Store struct {
	DB *pgxpool.Pool

	// PromotionWindow overrides DefaultPromotionWindow; callers wire this
	// from config.Config.DeletionThresholdTransientToFatal.
	PromotionWindow time.Duration
}

func New(db *pgxpool.Pool) *Store {
	return &Store{DB: db, PromotionWindow: DefaultPromotionWindow}
}

// Apply records the outcome of one sync run. A nil failure means the run
// succeeded: error fields are cleared and the directory returns to enabled.
// A non-nil failure is classified and applied per the state machine's fixed
// transition table.
func (s *Store) Apply(ctx context.Context, dir model.Directory, now time.Time, failure *classify.Failure) error {
	if failure == nil {
		return s.applySuccess(ctx, dir.ID, now)
	}

	switch classify.Classify(*failure) {
	case classify.VerdictClientError:
		return s.applyClientError(ctx, dir.ID, now, classify.Format(*failure))
	default:
		return s.applyTransient(ctx, dir, now, classify.Format(*failure))
	}
}

func (s *Store) applySuccess(ctx context.Context, directoryID uuid.UUID, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE directories SET
			is_disabled     = false,
			disabled_reason = NULL,
			errored_at      = NULL,
			error_message   = NULL,
			updated_at      = now()
		WHERE id = $1`, directoryID)
	return err
}

func (s *Store) applyClientError(ctx context.Context, directoryID uuid.UUID, now time.Time, message string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE directories SET
			is_disabled     = true,
			disabled_reason = $2,
			errored_at      = $3,
			error_message   = $4,
			is_verified     = false,
			updated_at      = now()
		WHERE id = $1`, directoryID, disabledReasonClientError, now, message)
	return err
}

// applyTransient sets errored_at on first failure only (never overwriting an
// earlier one), and promotes to disabled_client_error once the directory has
// sat in enabled+errored_transient for PromotionWindow without a
// success in between.
func (s *Store) applyTransient(ctx context.Context, dir model.Directory, now time.Time, message string) error {
	erroredAt := dir.ErroredAt
	if erroredAt == nil {
		erroredAt = &now
	}

	window := s.PromotionWindow
	if window <= 0 {
		window = DefaultPromotionWindow
	}
	if now.Sub(*erroredAt) >= window {
		return s.applyClientError(ctx, dir.ID, now, message)
	}

	_, err := s.DB.Exec(ctx, `
		UPDATE directories SET
			is_disabled   = false,
			errored_at    = $2,
			error_message = $3,
			updated_at    = now()
		WHERE id = $1`, dir.ID, *erroredAt, message)
	return err
}
