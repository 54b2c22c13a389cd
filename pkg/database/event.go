// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/samber/mo"
	"maunium.net/go/mautrix/id"
)

// EventEntry correlates one Matrix event in one room with one Discord
// message. A single source event may produce several entries: one per
// destination room and one per attachment sent ahead of the text.
type EventEntry struct {
	// MatrixID is the composite "<eventID>;<roomID>" key.
	MatrixID  string `db:"matrix_id"`
	DiscordID string `db:"discord_id"`
	GuildID   string `db:"guild_id"`
	ChannelID string `db:"channel_id"`
}

// MakeMatrixID builds the composite Matrix key of an event.
func MakeMatrixID(eventID id.EventID, roomID id.RoomID) string {
	return string(eventID) + ";" + string(roomID)
}

// MatrixEvent splits the composite key back into its event and room.
func (e *EventEntry) MatrixEvent() (id.EventID, id.RoomID) {
	eventID, roomID, _ := strings.Cut(e.MatrixID, ";")
	return id.EventID(eventID), id.RoomID(roomID)
}

type EventQuery struct {
	db *sqlx.DB
}

// Insert records a correlation. The write is durable when Insert returns.
func (eq *EventQuery) Insert(ctx context.Context, entry *EventEntry) error {
	err := exec(ctx, eq.db, `
		INSERT INTO event_store (matrix_id, discord_id, guild_id, channel_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (matrix_id, discord_id) DO NOTHING`,
		entry.MatrixID, entry.DiscordID, entry.GuildID, entry.ChannelID)
	if err != nil {
		return fmt.Errorf("failed to insert event %s <-> %s: %w", entry.MatrixID, entry.DiscordID, err)
	}
	return nil
}

// GetByDiscordID finds every Matrix event sent for a Discord message.
func (eq *EventQuery) GetByDiscordID(ctx context.Context, discordID string) (mo.Option[[]*EventEntry], error) {
	res, err := selectMany[EventEntry](ctx, eq.db,
		`SELECT matrix_id, discord_id, guild_id, channel_id FROM event_store WHERE discord_id = ?`, discordID)
	if err != nil {
		return res, fmt.Errorf("failed to get events for discord message %s: %w", discordID, err)
	}
	return res, nil
}

// GetByMatrixID finds every Discord message sent for a Matrix event.
func (eq *EventQuery) GetByMatrixID(ctx context.Context, eventID id.EventID, roomID id.RoomID) (mo.Option[[]*EventEntry], error) {
	key := MakeMatrixID(eventID, roomID)
	res, err := selectMany[EventEntry](ctx, eq.db,
		`SELECT matrix_id, discord_id, guild_id, channel_id FROM event_store WHERE matrix_id = ?`, key)
	if err != nil {
		return res, fmt.Errorf("failed to get events for %s: %w", key, err)
	}
	return res, nil
}

func (eq *EventQuery) DeleteByDiscordID(ctx context.Context, discordID string) error {
	if err := exec(ctx, eq.db, `DELETE FROM event_store WHERE discord_id = ?`, discordID); err != nil {
		return fmt.Errorf("failed to delete events for discord message %s: %w", discordID, err)
	}
	return nil
}

func (eq *EventQuery) DeleteByMatrixID(ctx context.Context, eventID id.EventID, roomID id.RoomID) error {
	if err := exec(ctx, eq.db, `DELETE FROM event_store WHERE matrix_id = ?`, MakeMatrixID(eventID, roomID)); err != nil {
		return fmt.Errorf("failed to delete events for %s: %w", eventID, err)
	}
	return nil
}
