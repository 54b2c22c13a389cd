// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/samber/mo"
	"maunium.net/go/mautrix/id"
)

// RoomEntry associates a Matrix room with a Discord guild channel.
type RoomEntry struct {
	MatrixRoomID id.RoomID `db:"matrix_room_id"`
	GuildID      string    `db:"guild_id"`
	ChannelID    string    `db:"channel_id"`
	// Plumbed rooms were bridged by command rather than alias resolution and
	// are the only ones that may be unbridged.
	Plumbed     bool `db:"plumbed"`
	UpdateName  bool `db:"update_name"`
	UpdateTopic bool `db:"update_topic"`
	UpdateIcon  bool `db:"update_icon"`

	LastName  string `db:"last_name"`
	LastTopic string `db:"last_topic"`
	LastIcon  string `db:"last_icon"`
}

const roomColumns = `matrix_room_id, guild_id, channel_id, plumbed, update_name, update_topic, update_icon,
	last_name, last_topic, last_icon`

type RoomQuery struct {
	db *sqlx.DB
}

// GetByMatrixRoom returns every mapping for a room.
func (rq *RoomQuery) GetByMatrixRoom(ctx context.Context, roomID id.RoomID) (mo.Option[[]*RoomEntry], error) {
	res, err := selectMany[RoomEntry](ctx, rq.db,
		`SELECT `+roomColumns+` FROM room_entries WHERE matrix_room_id = ?`, string(roomID))
	if err != nil {
		return res, fmt.Errorf("failed to get room entries for %s: %w", roomID, err)
	}
	return res, nil
}

// GetByChannel returns every room a channel fans out to.
func (rq *RoomQuery) GetByChannel(ctx context.Context, channelID string) (mo.Option[[]*RoomEntry], error) {
	res, err := selectMany[RoomEntry](ctx, rq.db,
		`SELECT `+roomColumns+` FROM room_entries WHERE channel_id = ?`, channelID)
	if err != nil {
		return res, fmt.Errorf("failed to get room entries for channel %s: %w", channelID, err)
	}
	return res, nil
}

// GetByGuild returns every mapping belonging to a guild.
func (rq *RoomQuery) GetByGuild(ctx context.Context, guildID string) (mo.Option[[]*RoomEntry], error) {
	res, err := selectMany[RoomEntry](ctx, rq.db,
		`SELECT `+roomColumns+` FROM room_entries WHERE guild_id = ?`, guildID)
	if err != nil {
		return res, fmt.Errorf("failed to get room entries for guild %s: %w", guildID, err)
	}
	return res, nil
}

// GetAll returns every mapping.
func (rq *RoomQuery) GetAll(ctx context.Context) (mo.Option[[]*RoomEntry], error) {
	res, err := selectMany[RoomEntry](ctx, rq.db, `SELECT `+roomColumns+` FROM room_entries`)
	if err != nil {
		return res, fmt.Errorf("failed to get room entries: %w", err)
	}
	return res, nil
}

// Upsert inserts the mapping or overwrites the flags and cached metadata of
// an existing (room, channel) pair.
func (rq *RoomQuery) Upsert(ctx context.Context, entry *RoomEntry) error {
	err := exec(ctx, rq.db, `
		INSERT INTO room_entries (`+roomColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (matrix_room_id, channel_id) DO UPDATE SET
			guild_id = excluded.guild_id,
			plumbed = excluded.plumbed,
			update_name = excluded.update_name,
			update_topic = excluded.update_topic,
			update_icon = excluded.update_icon,
			last_name = excluded.last_name,
			last_topic = excluded.last_topic,
			last_icon = excluded.last_icon`,
		string(entry.MatrixRoomID), entry.GuildID, entry.ChannelID, entry.Plumbed,
		entry.UpdateName, entry.UpdateTopic, entry.UpdateIcon,
		entry.LastName, entry.LastTopic, entry.LastIcon)
	if err != nil {
		return fmt.Errorf("failed to upsert room entry %s/%s: %w", entry.MatrixRoomID, entry.ChannelID, err)
	}
	return nil
}

// Delete removes a single mapping.
func (rq *RoomQuery) Delete(ctx context.Context, roomID id.RoomID, channelID string) error {
	err := exec(ctx, rq.db, `DELETE FROM room_entries WHERE matrix_room_id = ? AND channel_id = ?`, string(roomID), channelID)
	if err != nil {
		return fmt.Errorf("failed to delete room entry %s/%s: %w", roomID, channelID, err)
	}
	return nil
}

func (rq *RoomQuery) DeleteByMatrixRoom(ctx context.Context, roomID id.RoomID) error {
	if err := exec(ctx, rq.db, `DELETE FROM room_entries WHERE matrix_room_id = ?`, string(roomID)); err != nil {
		return fmt.Errorf("failed to delete room entries for %s: %w", roomID, err)
	}
	return nil
}

func (rq *RoomQuery) DeleteByChannel(ctx context.Context, channelID string) error {
	if err := exec(ctx, rq.db, `DELETE FROM room_entries WHERE channel_id = ?`, channelID); err != nil {
		return fmt.Errorf("failed to delete room entries for channel %s: %w", channelID, err)
	}
	return nil
}

func (rq *RoomQuery) DeleteByGuild(ctx context.Context, guildID string) error {
	if err := exec(ctx, rq.db, `DELETE FROM room_entries WHERE guild_id = ?`, guildID); err != nil {
		return fmt.Errorf("failed to delete room entries for guild %s: %w", guildID, err)
	}
	return nil
}
