// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/samber/mo"
)

// GhostProfile is the last profile pushed to a Discord user's Matrix ghost.
type GhostProfile struct {
	DiscordID   string `db:"discord_id"`
	Displayname string `db:"displayname"`
	// AvatarURL is the Discord CDN URL the current AvatarMXC was uploaded from.
	AvatarURL string `db:"avatar_url"`
	AvatarMXC string `db:"avatar_mxc"`
}

type GhostQuery struct {
	db *sqlx.DB
}

func (gq *GhostQuery) Get(ctx context.Context, discordID string) (mo.Option[*GhostProfile], error) {
	res, err := selectOne[GhostProfile](ctx, gq.db, `
		SELECT discord_id, displayname, avatar_url, avatar_mxc FROM ghost_profile WHERE discord_id = ?`, discordID)
	if err != nil {
		return res, fmt.Errorf("failed to get ghost profile %s: %w", discordID, err)
	}
	return res, nil
}

func (gq *GhostQuery) Upsert(ctx context.Context, profile *GhostProfile) error {
	err := exec(ctx, gq.db, `
		INSERT INTO ghost_profile (discord_id, displayname, avatar_url, avatar_mxc)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (discord_id) DO UPDATE SET
			displayname = excluded.displayname,
			avatar_url = excluded.avatar_url,
			avatar_mxc = excluded.avatar_mxc`,
		profile.DiscordID, profile.Displayname, profile.AvatarURL, profile.AvatarMXC)
	if err != nil {
		return fmt.Errorf("failed to store ghost profile %s: %w", profile.DiscordID, err)
	}
	return nil
}
