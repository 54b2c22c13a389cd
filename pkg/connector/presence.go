// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
)

// PresenceStatus is the Matrix presence derived from a Discord presence.
type PresenceStatus struct {
	Presence  event.Presence
	StatusMsg string
	// Drop removes the user from the rotation.
	Drop bool
}

// MapPresence converts a Discord presence into Matrix terms.
func MapPresence(p *discordgo.Presence) PresenceStatus {
	var status PresenceStatus
	if p == nil {
		return PresenceStatus{Presence: event.PresenceOffline, Drop: true}
	}
	for _, activity := range p.Activities {
		if activity == nil {
			continue
		}
		switch activity.Type {
		case discordgo.ActivityTypeGame:
			status.StatusMsg = "Playing " + activity.Name
		case discordgo.ActivityTypeStreaming:
			status.StatusMsg = "Streaming " + activity.Name + " | " + activity.URL
		default:
			continue
		}
		break
	}
	switch p.Status {
	case discordgo.StatusOnline:
		status.Presence = event.PresenceOnline
	case discordgo.StatusDoNotDisturb:
		status.Presence = event.PresenceOnline
		if status.StatusMsg != "" {
			status.StatusMsg = "Do not disturb | " + status.StatusMsg
		} else {
			status.StatusMsg = "Do not disturb"
		}
	case discordgo.StatusOffline, discordgo.StatusInvisible:
		status.Presence = event.PresenceOffline
		status.Drop = true
	default:
		status.Presence = event.PresenceUnavailable
	}
	return status
}

// PresenceQueue rotates through known Discord users and pushes their presence
// to their ghosts, one user per tick.
type PresenceQueue struct {
	log      zerolog.Logger
	interval time.Duration
	identity *IdentityResolver
	matrix   MatrixAPI

	mu      sync.Mutex
	order   []string
	entries map[string]*discordgo.Presence

	wg sync.WaitGroup
}

func NewPresenceQueue(interval time.Duration, identity *IdentityResolver, matrix MatrixAPI, log zerolog.Logger) *PresenceQueue {
	return &PresenceQueue{
		log:      log.With().Str("component", "presence").Logger(),
		interval: max(interval, minPresenceInterval),
		identity: identity,
		matrix:   matrix,
		entries:  make(map[string]*discordgo.Presence),
	}
}

// Enqueue adds or refreshes a user. A user already queued keeps its place.
func (q *PresenceQueue) Enqueue(p *discordgo.Presence) {
	if p == nil || p.User == nil || p.User.ID == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[p.User.ID]; !ok {
		q.order = append(q.order, p.User.ID)
	}
	q.entries[p.User.ID] = p
}

// Len returns the number of queued users.
func (q *PresenceQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

func (q *PresenceQueue) pop() (*discordgo.Presence, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return nil, false
	}
	userID := q.order[0]
	q.order = q.order[1:]
	p := q.entries[userID]
	delete(q.entries, userID)
	return p, true
}

// requeue puts p back at the end unless a newer presence arrived meanwhile.
func (q *PresenceQueue) requeue(p *discordgo.Presence) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[p.User.ID]; ok {
		return
	}
	q.order = append(q.order, p.User.ID)
	q.entries[p.User.ID] = p
}

// Tick processes the next user. The update runs on its own goroutine so a
// slow homeserver does not stall the rotation.
func (q *PresenceQueue) Tick(ctx context.Context) {
	p, ok := q.pop()
	if !ok {
		return
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		status := MapPresence(p)
		ghost := q.identity.ResolveGhost(p.User.ID)
		if err := q.matrix.Ghost(ghost.UserID).SetPresence(ctx, status.Presence, status.StatusMsg); err != nil {
			q.log.Debug().Err(err).Str("discord_user_id", p.User.ID).Msg("Failed to set presence")
		}
		if !status.Drop {
			q.requeue(p)
		}
	}()
}

// Run ticks until ctx is done, then waits for running updates.
func (q *PresenceQueue) Run(ctx context.Context) {
	q.log.Info().Dur("interval", q.interval).Msg("Starting presence loop")
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			q.wg.Wait()
			q.log.Info().Msg("Presence loop stopped")
			return
		case <-ticker.C:
			q.Tick(ctx)
		}
	}
}

// Wait blocks until running updates finish.
func (q *PresenceQueue) Wait() {
	q.wg.Wait()
}
