// Copyright 2024-2026 Aiku AI

// Package connector implements a Matrix-Discord bridge running as a Matrix
// application service.
//
// Discord users are represented in Matrix by ghost accounts in the
// "_discord_" namespace. Matrix users are represented in Discord by a single
// webhook per channel whose username and avatar are overridden per message.
// Discord channels are bridged either on demand, through the portal alias
// #_discord_<guild>_<channel>, or by a room administrator with the
// "!discord bridge" command, which a Discord moderator must approve.
//
// # Core Types
//
// [DiscordConnector] owns the bridge lifecycle and routes events between the
// two networks. Its collaborators are each usable on their own:
//
//   - [database.Database] stores room mappings, message pairs, ghost
//     profiles, custom emoji and user tokens.
//   - [IdentityResolver] maps Discord users to ghosts and keeps their
//     profiles and memberships in step.
//   - [Dispatcher] serializes sends per channel and retries sends that
//     failed because a ghost had not joined yet.
//   - [EchoSuppressor] suppresses events the bridge produced itself.
//   - [Syncer] pushes guild, channel and member changes to Matrix.
//   - [PresenceQueue] relays Discord presence at a fixed rate.
//
// # Echo Prevention
//
// Discord messages are dropped when they come from the bridge bot, from the
// bridge webhook or when their id was recorded at send time. Matrix events
// are dropped when they come from a ghost or the bridge bot, or when their
// event id was recorded at send time.
//
// # Sub-packages
//
//   - discordfmt converts Discord markdown to Matrix HTML.
//   - matrixfmt converts Matrix HTML to Discord markdown.
//   - provisioning tracks pending bridge requests awaiting approval.
package connector
