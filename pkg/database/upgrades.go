// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.mau.fi/util/dbutil"
)

// CurrentSchemaVersion is the version [Database.Upgrade] brings the schema to.
const CurrentSchemaVersion = 7

// versionTable holds the schema version in the layout dbutil expects.
const versionTable = "schema_version"

// UpgradeStep moves the schema from Version-1 to Version. Each statement is
// its own Exec call.
type UpgradeStep struct {
	Version     int
	Description string
	Apply       func(ctx context.Context, db *dbutil.Database) error
}

func statements(stmts ...string) func(ctx context.Context, db *dbutil.Database) error {
	return func(ctx context.Context, db *dbutil.Database) error {
		for _, stmt := range stmts {
			if _, err := db.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	}
}

var upgradeSteps = []UpgradeStep{
	{1, "puppet token bindings", statements(
		`CREATE TABLE user_id_discord_id (
			user_id    TEXT NOT NULL,
			discord_id TEXT NOT NULL,
			PRIMARY KEY (user_id, discord_id)
		)`,
		`CREATE TABLE discord_id_token (
			discord_id TEXT PRIMARY KEY,
			token      TEXT NOT NULL
		)`,
	)},
	{2, "sent event correlations", statements(
		`CREATE TABLE event_store (
			matrix_id  TEXT NOT NULL,
			discord_id TEXT NOT NULL,
			guild_id   TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			PRIMARY KEY (matrix_id, discord_id)
		)`,
	)},
	{3, "custom emoji cache", statements(
		`CREATE TABLE discord_emoji (
			emoji_id   TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			animated   BOOLEAN NOT NULL,
			mxc_url    TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
	)},
	{4, "room/channel mappings", statements(
		`CREATE TABLE room_entries (
			matrix_room_id TEXT NOT NULL,
			guild_id       TEXT NOT NULL,
			channel_id     TEXT NOT NULL,
			plumbed        BOOLEAN NOT NULL DEFAULT false,
			update_name    BOOLEAN NOT NULL DEFAULT false,
			update_topic   BOOLEAN NOT NULL DEFAULT false,
			update_icon    BOOLEAN NOT NULL DEFAULT false,
			PRIMARY KEY (matrix_room_id, channel_id)
		)`,
	)},
	{5, "cached room metadata", statements(
		`ALTER TABLE room_entries ADD COLUMN last_name TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE room_entries ADD COLUMN last_topic TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE room_entries ADD COLUMN last_icon TEXT NOT NULL DEFAULT ''`,
	)},
	{6, "ghost profile cache", statements(
		`CREATE TABLE ghost_profile (
			discord_id  TEXT PRIMARY KEY,
			displayname TEXT NOT NULL DEFAULT '',
			avatar_url  TEXT NOT NULL DEFAULT '',
			avatar_mxc  TEXT NOT NULL DEFAULT ''
		)`,
	)},
	{7, "lookup indexes", statements(
		`CREATE INDEX event_store_discord_id_idx ON event_store (discord_id)`,
		`CREATE INDEX room_entries_channel_id_idx ON room_entries (channel_id)`,
		`CREATE INDEX room_entries_guild_id_idx ON room_entries (guild_id)`,
	)},
}

// upgradeTable builds the dbutil table for steps 1 through target. Steps must
// be contiguous.
func upgradeTable(steps []UpgradeStep, target int) (dbutil.UpgradeTable, error) {
	var table dbutil.UpgradeTable
	next := 1
	for _, step := range steps {
		if step.Version > target {
			break
		}
		if step.Version != next {
			return nil, fmt.Errorf("missing upgrade step from v%d to v%d", next-1, next)
		}
		table.Register(step.Version-1, step.Version, 0, step.Description, dbutil.TxnModeOn, step.Apply)
		next++
	}
	if next-1 != target {
		return nil, fmt.Errorf("no upgrade path to schema v%d (stops at v%d)", target, next-1)
	}
	return table, nil
}

// Version returns the stored schema version, creating the version table on
// first use.
func (db *Database) Version(ctx context.Context) (int, error) {
	_, err := db.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+versionTable+` (version INTEGER, compat INTEGER)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create version table: %w", err)
	}
	var version sql.NullInt64
	err = db.DB.GetContext(ctx, &version, `SELECT version FROM `+versionTable+` LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(version.Int64), nil
}

// Upgrade applies every pending step up to CurrentSchemaVersion.
func (db *Database) Upgrade(ctx context.Context) error {
	return db.UpgradeTo(ctx, CurrentSchemaVersion)
}

// UpgradeTo applies steps sequentially from the stored version to target.
// Each step and its version bump share one transaction. When a step fails only
// that step is rolled back, the stored version stays at the last successful
// step and no further steps run. An existing SQLite file is backed up before
// the first step.
func (db *Database) UpgradeTo(ctx context.Context, target int) error {
	table, err := upgradeTable(db.upgrades, target)
	if err != nil {
		return err
	}
	version, err := db.Version(ctx)
	if err != nil {
		return err
	}
	if version > 0 && version < target {
		if err := db.backup(ctx, version); err != nil {
			return err
		}
	}

	udb, err := dbutil.NewWithDB(db.DB.DB, string(db.Dialect))
	if err != nil {
		return fmt.Errorf("failed to wrap database: %w", err)
	}
	udb.VersionTable = versionTable
	udb.UpgradeTable = table
	udb.Log = dbutil.ZeroLogger(db.log)
	if err := udb.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade schema to v%d: %w", target, err)
	}
	return nil
}

// backup snapshots the SQLite file next to itself as <path>.v<version>.bak.
// Postgres and in-memory databases are skipped.
func (db *Database) backup(ctx context.Context, version int) error {
	if db.Dialect != SQLite || db.Path == "" {
		return nil
	}
	dest := fmt.Sprintf("%s.v%d.bak", db.Path, version)
	if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale backup %s: %w", dest, err)
	}
	if _, err := db.DB.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("failed to back up database to %s: %w", dest, err)
	}
	db.log.Info().Str("backup_path", dest).Int("version", version).Msg("Backed up database before schema upgrade")
	return nil
}

// sqliteFilePath extracts the file path from a SQLite URI. It returns "" for
// in-memory databases.
func sqliteFilePath(uri string) string {
	path, query, _ := strings.Cut(strings.TrimPrefix(uri, "file:"), "?")
	if path == "" || strings.HasPrefix(path, ":memory:") || strings.Contains(query, "mode=memory") {
		return ""
	}
	return path
}
