// Package directoryrepo loads directories and accounts out of Postgres into
// the model.Directory/model.Account shapes the rest of the engine consumes,
// decoding each provider's config jsonb column into its typed Google/Entra/
// Okta config struct.
package directoryrepo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/firezone/idpsync/internal/model"
)

// Repo loads directories and their owning accounts.
type Repo struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Repo {
	return &Repo{DB: db}
}

// Load fetches one directory and its owning account by directory ID,
// decoding the directory's config jsonb column into the field matching its
// provider. It implements worker.DirectoryLoader.
func (r *Repo) Load(ctx context.Context, directoryID uuid.UUID) (model.Directory, model.Account, error) {
	var dir model.Directory
	var acct model.Account
	var rawConfig []byte
	var rawFeatures []byte

	row := r.DB.QueryRow(ctx, `
		SELECT
			d.id, d.account_id, d.provider, d.config,
			d.synced_at, d.errored_at, COALESCE(d.error_message, ''),
			d.is_disabled, COALESCE(d.disabled_reason, ''), d.is_verified, d.error_email_count,
			a.disabled_at, a.features
		FROM directories d
		JOIN accounts a ON a.id = d.account_id
		WHERE d.id = $1`, directoryID)

	err := row.Scan(
		&dir.ID, &dir.AccountID, &dir.Provider, &rawConfig,
		&dir.SyncedAt, &dir.ErroredAt, &dir.ErrorMessage,
		&dir.IsDisabled, &dir.DisabledReason, &dir.IsVerified, &dir.ErrorEmailCount,
		&acct.DisabledAt, &rawFeatures,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return dir, acct, fmt.Errorf("directoryrepo: directory %s not found", directoryID)
		}
		return dir, acct, fmt.Errorf("directoryrepo: load directory %s: %w", directoryID, err)
	}
	acct.ID = dir.AccountID

	if len(rawFeatures) > 0 {
		if err := json.Unmarshal(rawFeatures, &acct.Features); err != nil {
			return dir, acct, fmt.Errorf("directoryrepo: decode account features: %w", err)
		}
	}

	if err := decodeConfig(dir.Provider, rawConfig, &dir); err != nil {
		return dir, acct, err
	}

	return dir, acct, nil
}

func decodeConfig(provider model.Provider, raw []byte, dir *model.Directory) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	switch provider {
	case model.ProviderGoogle:
		var cfg model.GoogleConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("directoryrepo: decode google config: %w", err)
		}
		dir.Google = &cfg
	case model.ProviderEntra:
		var cfg model.EntraConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("directoryrepo: decode entra config: %w", err)
		}
		dir.Entra = &cfg
	case model.ProviderOkta:
		var cfg model.OktaConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("directoryrepo: decode okta config: %w", err)
		}
		dir.Okta = &cfg
	default:
		return fmt.Errorf("directoryrepo: unknown provider %q", provider)
	}
	return nil
}
