// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-discord/pkg/database"
)

// GhostPrefix is the localpart prefix of every Matrix account the bridge owns.
const GhostPrefix = "_discord_"

// Ghost is the Matrix puppet of a Discord user.
type Ghost struct {
	UserID    id.UserID
	DiscordID string
}

type joinKey struct {
	user id.UserID
	room id.RoomID
}

// IdentityResolver maps Discord users to Matrix ghosts and keeps ghost
// profiles and room memberships in step with Discord.
type IdentityResolver struct {
	log      zerolog.Logger
	domain   string
	cfg      *BridgeConfig
	matrix   MatrixAPI
	profiles *database.GhostQuery
	fetch    URLFetcher

	mu     sync.Mutex
	joined map[joinKey]struct{}
}

func NewIdentityResolver(cfg *BridgeConfig, matrix MatrixAPI, profiles *database.GhostQuery, fetch URLFetcher, log zerolog.Logger) *IdentityResolver {
	return &IdentityResolver{
		log:      log.With().Str("component", "identity").Logger(),
		domain:   matrix.Domain(),
		cfg:      cfg,
		matrix:   matrix,
		profiles: profiles,
		fetch:    fetch,
		joined:   make(map[joinKey]struct{}),
	}
}

// ResolveGhost returns the ghost of a Discord user. It is pure and never fails.
func (r *IdentityResolver) ResolveGhost(discordUserID string) Ghost {
	return Ghost{
		UserID:    id.NewUserID(GhostPrefix+discordUserID, r.domain),
		DiscordID: discordUserID,
	}
}

// ParseGhost returns the Discord user id puppeted by userID.
func (r *IdentityResolver) ParseGhost(userID id.UserID) (string, bool) {
	localpart, server, err := userID.Parse()
	if err != nil || server != r.domain || !strings.HasPrefix(localpart, GhostPrefix) {
		return "", false
	}
	discordID := strings.TrimPrefix(localpart, GhostPrefix)
	if discordID == "" || strings.Trim(discordID, "0123456789") != "" {
		return "", false
	}
	return discordID, true
}

// IsGhost reports whether userID is in the bridge namespace, ghosts and the
// bridge bot alike.
func (r *IdentityResolver) IsGhost(userID id.UserID) bool {
	localpart, server, err := userID.Parse()
	return err == nil && server == r.domain && strings.HasPrefix(localpart, GhostPrefix)
}

// Displayname renders the configured displayname for a Discord user.
func (r *IdentityResolver) Displayname(user *discordgo.User, member *discordgo.Member) string {
	params := DisplaynameParams{
		Username:      user.Username,
		GlobalName:    user.GlobalName,
		Discriminator: user.Discriminator,
	}
	if member != nil {
		params.Nickname = member.Nick
	}
	return r.cfg.FormatDisplayname(params)
}

// EnsureProfileSynced pushes the displayname and avatar of a Discord user to
// its ghost when they differ from what was pushed last. Failures are logged
// and not retried; the next message from the user tries again.
func (r *IdentityResolver) EnsureProfileSynced(ctx context.Context, user *discordgo.User, member *discordgo.Member) Ghost {
	ghost := r.ResolveGhost(user.ID)
	log := r.log.With().Str("discord_user_id", user.ID).Str("ghost", string(ghost.UserID)).Logger()

	current := &database.GhostProfile{DiscordID: user.ID}
	if stored, err := r.profiles.Get(ctx, user.ID); err != nil {
		log.Warn().Err(err).Msg("Failed to load ghost profile")
	} else if p, ok := stored.Get(); ok {
		current = p
	}
	updated := *current
	intent := r.matrix.Ghost(ghost.UserID)

	displayname := r.Displayname(user, member)
	if displayname != current.Displayname {
		if err := intent.SetDisplayName(ctx, displayname); err != nil {
			log.Warn().Err(err).Msg("Failed to set ghost displayname")
		} else {
			updated.Displayname = displayname
		}
	}

	avatarURL := user.AvatarURL("")
	if avatarURL != current.AvatarURL {
		if mxc, err := r.uploadAvatar(ctx, intent, avatarURL); err != nil {
			log.Warn().Err(err).Str("avatar_url", avatarURL).Msg("Failed to update ghost avatar")
		} else {
			updated.AvatarURL = avatarURL
			updated.AvatarMXC = mxc.String()
		}
	}

	if updated != *current {
		if err := r.profiles.Upsert(ctx, &updated); err != nil {
			log.Warn().Err(err).Msg("Failed to save ghost profile")
		}
	}
	return ghost
}

func (r *IdentityResolver) uploadAvatar(ctx context.Context, intent MatrixIntent, url string) (id.ContentURI, error) {
	data, contentType, err := r.fetch(ctx, url)
	if err != nil {
		return id.ContentURI{}, err
	}
	mxc, err := intent.UploadBytes(ctx, data, contentType)
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("failed to upload avatar: %w", err)
	}
	if err := intent.SetAvatarURL(ctx, mxc); err != nil {
		return id.ContentURI{}, fmt.Errorf("failed to set avatar: %w", err)
	}
	return mxc, nil
}

// EnsureJoined joins userID to roomID unless it is already known to be a
// member. A permission failure is returned to the caller.
func (r *IdentityResolver) EnsureJoined(ctx context.Context, userID id.UserID, roomID id.RoomID) error {
	key := joinKey{user: userID, room: roomID}
	r.mu.Lock()
	_, ok := r.joined[key]
	r.mu.Unlock()
	if ok {
		return nil
	}
	if err := r.matrix.Ghost(userID).JoinRoom(ctx, roomID); err != nil {
		return fmt.Errorf("failed to join %s to %s: %w", userID, roomID, err)
	}
	r.mu.Lock()
	r.joined[key] = struct{}{}
	r.mu.Unlock()
	return nil
}

// ForgetJoin drops the cached membership, after a leave or kick.
func (r *IdentityResolver) ForgetJoin(userID id.UserID, roomID id.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.joined, joinKey{user: userID, room: roomID})
}

// ForgetRoom drops every cached membership of roomID.
func (r *IdentityResolver) ForgetRoom(roomID id.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.joined {
		if key.room == roomID {
			delete(r.joined, key)
		}
	}
}
