// Copyright 2024-2026 Aiku AI

// Package provisioning tracks self-service bridge requests that wait for a
// Discord channel manager to approve or deny them.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-discord/pkg/database"
)

// State is the provisioning state of a channel.
type State int

const (
	NoRequest State = iota
	PendingApproval
	Approved
	Declined
	Expired
)

func (s State) String() string {
	switch s {
	case NoRequest:
		return "no_request"
	case PendingApproval:
		return "pending_approval"
	case Approved:
		return "approved"
	case Declined:
		return "declined"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Approved || s == Declined || s == Expired
}

var (
	ErrRequestPending = errors.New("a bridge request is already pending for this channel")
	ErrNoPermission   = errors.New("you do not have permission to manage webhooks in this channel")
	ErrTimedOut       = errors.New("timed out waiting for a response from the Discord owners")
	ErrDeclined       = errors.New("the bridge has been declined by the Discord guild")
	ErrNotPlumbed     = errors.New("this room cannot be unbridged")
)

// DefaultTimeout is how long a request waits for a response before expiring.
const DefaultTimeout = 5 * time.Minute

// PermissionChecker reports the Discord permission bits a member holds in a channel.
type PermissionChecker interface {
	UserChannelPermissions(userID, channelID string) (int64, error)
}

// BridgeStore persists and removes room/channel mappings.
type BridgeStore interface {
	Upsert(ctx context.Context, entry *database.RoomEntry) error
	Delete(ctx context.Context, roomID id.RoomID, channelID string) error
}

// Request is one bridge request.
type Request struct {
	ID          ulid.ULID
	GuildID     string
	ChannelID   string
	RoomID      id.RoomID
	RequestedBy id.UserID
	CreatedAt   time.Time

	mu    sync.Mutex
	state State
	done  chan struct{}
	stop  func() bool
}

// State returns the current state of the request.
func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Wait blocks until the request is resolved or ctx ends.
func (r *Request) Wait(ctx context.Context) (State, error) {
	select {
	case <-r.done:
		return r.State(), nil
	case <-ctx.Done():
		return r.State(), ctx.Err()
	}
}

// Err maps a terminal state to the error reported to the requester.
func (r *Request) Err() error {
	switch r.State() {
	case Approved:
		return nil
	case Declined:
		return ErrDeclined
	case Expired:
		return ErrTimedOut
	default:
		return ErrRequestPending
	}
}

// resolve moves the request to a terminal state once. It reports whether this
// call performed the transition.
func (r *Request) resolve(state State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != PendingApproval {
		return false
	}
	r.state = state
	if r.stop != nil {
		r.stop()
	}
	close(r.done)
	return true
}

// Provisioner holds at most one pending request per channel.
type Provisioner struct {
	log     zerolog.Logger
	perms   PermissionChecker
	store   BridgeStore
	timeout time.Duration

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) (stop func() bool)

	mu      sync.Mutex
	pending map[string]*Request
}

// New creates a Provisioner. A zero timeout selects DefaultTimeout.
func New(perms PermissionChecker, store BridgeStore, timeout time.Duration, log zerolog.Logger) *Provisioner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Provisioner{
		log:     log.With().Str("component", "provisioning").Logger(),
		perms:   perms,
		store:   store,
		timeout: timeout,
		now:     time.Now,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		pending: make(map[string]*Request),
	}
}

// HasPendingRequest reports whether channelID has a request awaiting a response.
func (p *Provisioner) HasPendingRequest(channelID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[channelID]
	return ok
}

// State returns PendingApproval while a request is open for the channel and
// NoRequest otherwise.
func (p *Provisioner) State(channelID string) State {
	if p.HasPendingRequest(channelID) {
		return PendingApproval
	}
	return NoRequest
}

// AskPermission opens a request for the channel. It fails fast with
// ErrRequestPending if one is already open, leaving that one untouched.
func (p *Provisioner) AskPermission(guildID, channelID string, roomID id.RoomID, requester id.UserID) (*Request, error) {
	p.mu.Lock()
	if _, ok := p.pending[channelID]; ok {
		p.mu.Unlock()
		return nil, ErrRequestPending
	}
	now := p.now()
	req := &Request{
		ID:          ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()),
		GuildID:     guildID,
		ChannelID:   channelID,
		RoomID:      roomID,
		RequestedBy: requester,
		CreatedAt:   now,
		state:       PendingApproval,
		done:        make(chan struct{}),
	}
	p.pending[channelID] = req
	p.mu.Unlock()

	// The timer may fire before it is stored, so only keep it while pending.
	stop := p.afterFunc(p.timeout, func() { p.expire(req) })
	req.mu.Lock()
	if req.state == PendingApproval {
		req.stop = stop
	} else {
		stop()
	}
	req.mu.Unlock()

	p.log.Info().
		Str("request_id", req.ID.String()).
		Str("channel_id", channelID).
		Str("room_id", string(roomID)).
		Str("requester", string(requester)).
		Dur("timeout", p.timeout).
		Msg("Bridge request pending approval")
	return req, nil
}

func (p *Provisioner) expire(req *Request) {
	p.mu.Lock()
	if p.pending[req.ChannelID] == req {
		delete(p.pending, req.ChannelID)
	}
	p.mu.Unlock()
	if req.resolve(Expired) {
		p.log.Info().
			Str("request_id", req.ID.String()).
			Str("channel_id", req.ChannelID).
			Msg("Bridge request expired")
	}
}

// MarkApproved records a response from memberID. The member must be able to
// manage webhooks in the channel. It returns false when no request is pending,
// which means any earlier request has already expired. The mapping is
// persisted only when approved.
func (p *Provisioner) MarkApproved(ctx context.Context, channelID, memberID string, approved bool) (bool, error) {
	p.mu.Lock()
	req, ok := p.pending[channelID]
	p.mu.Unlock()
	if !ok {
		return false, nil
	}

	perms, err := p.perms.UserChannelPermissions(memberID, channelID)
	if err != nil {
		return false, fmt.Errorf("failed to get permissions of %s: %w", memberID, err)
	}
	if perms&discordgo.PermissionManageWebhooks == 0 {
		return false, ErrNoPermission
	}

	if approved {
		err = p.store.Upsert(ctx, &database.RoomEntry{
			MatrixRoomID: req.RoomID,
			GuildID:      req.GuildID,
			ChannelID:    req.ChannelID,
			Plumbed:      true,
		})
		if err != nil {
			return false, fmt.Errorf("failed to store approved bridge: %w", err)
		}
	}

	p.mu.Lock()
	if p.pending[channelID] == req {
		delete(p.pending, channelID)
	}
	p.mu.Unlock()

	state := Declined
	if approved {
		state = Approved
	}
	if !req.resolve(state) {
		// Expired while the permission check was running.
		if approved {
			if err := p.store.Delete(ctx, req.RoomID, req.ChannelID); err != nil {
				p.log.Warn().Err(err).Str("channel_id", channelID).Msg("Failed to remove mapping of expired request")
			}
		}
		return false, nil
	}
	p.log.Info().
		Str("request_id", req.ID.String()).
		Str("channel_id", channelID).
		Str("member_id", memberID).
		Stringer("state", state).
		Msg("Bridge request resolved")
	return true, nil
}

// Unbridge removes a plumbed mapping. Mappings created by alias resolution
// cannot be unbridged.
func (p *Provisioner) Unbridge(ctx context.Context, entry *database.RoomEntry) error {
	if !entry.Plumbed {
		return ErrNotPlumbed
	}
	if err := p.store.Delete(ctx, entry.MatrixRoomID, entry.ChannelID); err != nil {
		return fmt.Errorf("failed to unbridge %s: %w", entry.MatrixRoomID, err)
	}
	p.log.Info().
		Str("room_id", string(entry.MatrixRoomID)).
		Str("channel_id", entry.ChannelID).
		Msg("Room unbridged")
	return nil
}
