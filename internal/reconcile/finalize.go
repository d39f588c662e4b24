package reconcile

import (
	"context"
	"time"

	"github.com/firezone/idpsync/internal/classify"
	"github.com/firezone/idpsync/internal/model"
)

// finalize marks a successfully completed run: synced_at advances, every
// error field clears, and the directory is re-enabled if a prior run had
// disabled it for a client error that has since resolved itself. Okta
// directories additionally become verified on their very first successful
// sync (their verification handshake only proves scope access; a full sync
// run is what proves the configured app assignments actually resolve).
func (e *Engine) finalize(ctx context.Context, dir model.Directory, syncedAt time.Time) error {
	isVerified := dir.IsVerified
	if dir.Provider == model.ProviderOkta && !isVerified {
		isVerified = true
	}

	_, err := e.DB.Exec(ctx, `
		UPDATE directories SET
			synced_at         = $2,
			errored_at        = NULL,
			error_message     = NULL,
			error_email_count = 0,
			is_disabled       = false,
			disabled_reason   = NULL,
			is_verified       = $3,
			updated_at        = now()
		WHERE id = $1`,
		dir.ID, syncedAt, isVerified)
	if err != nil {
		return dbErr(classify.StepFinalizeDirectory, dir.ID.String(), err)
	}
	return nil
}
