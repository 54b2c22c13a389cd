// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/samber/mo"
	"maunium.net/go/mautrix/id"
)

// UserToken binds a Matrix user to one Discord account. The token is opaque
// and only ever handed back to the Discord client.
type UserToken struct {
	UserID    string `db:"user_id"`
	DiscordID string `db:"discord_id"`
	Token     string `db:"token"`
}

type UserTokenQuery struct {
	db *sqlx.DB
}

// Add binds discordID to userID and stores its token, replacing any earlier
// token for the same Discord account.
func (uq *UserTokenQuery) Add(ctx context.Context, userID id.UserID, discordID, token string) error {
	return doTxn(ctx, uq.db, func(ctx context.Context) error {
		err := exec(ctx, uq.db, `
			INSERT INTO user_id_discord_id (user_id, discord_id) VALUES (?, ?)
			ON CONFLICT (user_id, discord_id) DO NOTHING`, string(userID), discordID)
		if err != nil {
			return fmt.Errorf("failed to bind %s to discord user %s: %w", userID, discordID, err)
		}
		err = exec(ctx, uq.db, `
			INSERT INTO discord_id_token (discord_id, token) VALUES (?, ?)
			ON CONFLICT (discord_id) DO UPDATE SET token = excluded.token`, discordID, token)
		if err != nil {
			return fmt.Errorf("failed to store token for discord user %s: %w", discordID, err)
		}
		return nil
	})
}

// GetTokens returns every Discord account bound to a Matrix user.
func (uq *UserTokenQuery) GetTokens(ctx context.Context, userID id.UserID) (mo.Option[[]*UserToken], error) {
	res, err := selectMany[UserToken](ctx, uq.db, `
		SELECT u.user_id, u.discord_id, t.token
		FROM user_id_discord_id u
		JOIN discord_id_token t ON t.discord_id = u.discord_id
		WHERE u.user_id = ?`, string(userID))
	if err != nil {
		return res, fmt.Errorf("failed to get tokens for %s: %w", userID, err)
	}
	return res, nil
}

func (uq *UserTokenQuery) GetToken(ctx context.Context, discordID string) (mo.Option[string], error) {
	res, err := selectOne[UserToken](ctx, uq.db, `
		SELECT '' AS user_id, discord_id, token FROM discord_id_token WHERE discord_id = ?`, discordID)
	if err != nil {
		return mo.None[string](), fmt.Errorf("failed to get token for discord user %s: %w", discordID, err)
	}
	if tok, ok := res.Get(); ok {
		return mo.Some(tok.Token), nil
	}
	return mo.None[string](), nil
}

// Delete removes a Discord account's token and every binding to it. The two
// tables are cleared by separate statements in one transaction.
func (uq *UserTokenQuery) Delete(ctx context.Context, discordID string) error {
	return doTxn(ctx, uq.db, func(ctx context.Context) error {
		if err := exec(ctx, uq.db, `DELETE FROM user_id_discord_id WHERE discord_id = ?`, discordID); err != nil {
			return fmt.Errorf("failed to unbind discord user %s: %w", discordID, err)
		}
		if err := exec(ctx, uq.db, `DELETE FROM discord_id_token WHERE discord_id = ?`, discordID); err != nil {
			return fmt.Errorf("failed to delete token for discord user %s: %w", discordID, err)
		}
		return nil
	})
}
