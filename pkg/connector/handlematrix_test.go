// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-discord/pkg/database"
)

const testSender = id.UserID("@bob:example.com")

func stateEvent(evtType event.Type, stateKey string, content any) *event.Event {
	return &event.Event{
		ID:        "$state",
		RoomID:    testRoomID,
		Sender:    testSender,
		Type:      evtType,
		StateKey:  &stateKey,
		Timestamp: time.Now().UnixMilli(),
		Content:   event.Content{Parsed: content},
	}
}

func (tc *testConnector) addWebhook() *discordgo.Webhook {
	hook := &discordgo.Webhook{ID: "700000000000000002", Token: "token", Name: WebhookName, ChannelID: testChanID}
	tc.discord.mu.Lock()
	tc.discord.webhooks[testChanID] = []*discordgo.Webhook{hook}
	tc.discord.mu.Unlock()
	return hook
}

func TestHandleMatrixMessageViaWebhook(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t, nil)
	tc.bridge(t)
	tc.matrix.setMember(testRoomID, testSender, "Bob")
	ctx := context.Background()

	tc.HandleMatrixEvent(ctx, matrixTextEvent("$m1", testSender, "hello"))
	tc.drain()

	executed := tc.discord.Executed()
	if len(executed) != 1 {
		t.Fatalf("webhook executions: got %d, want 1", len(executed))
	}
	params := executed[0].Params
	if params.Content != "hello" {
		t.Errorf("Content: got %q, want %q", params.Content, "hello")
	}
	if params.Username != "Bob" {
		t.Errorf("Username: got %q, want %q", params.Username, "Bob")
	}
	if n := tc.Echo.Len(NetworkDiscord); n != 1 {
		t.Errorf("discord echo set: got %d entries, want 1", n)
	}
	res, err := tc.DB.Event.GetByMatrixID(ctx, "$m1", testRoomID)
	if err != nil {
		t.Fatalf("GetByMatrixID: %v", err)
	}
	if n := len(res.OrEmpty()); n != 1 {
		t.Errorf("correlations: got %d, want 1", n)
	}
}

func TestHandleMatrixMessageFallsBackToEmbed(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t, nil)
	tc.bridge(t)
	tc.matrix.setMember(testRoomID, testSender, "Bob")
	tc.discord.hookCreateErr = errors.New("missing permissions")

	tc.HandleMatrixEvent(context.Background(), matrixTextEvent("$m2", testSender, "hello"))
	tc.drain()

	sent := tc.discord.Sent()
	if len(sent) != 1 {
		t.Fatalf("bot sends: got %d, want 1", len(sent))
	}
	embeds := sent[0].Message.Embeds
	if len(embeds) != 1 {
		t.Fatalf("embeds: got %d, want 1", len(embeds))
	}
	if embeds[0].Description != "hello" {
		t.Errorf("Description: got %q, want %q", embeds[0].Description, "hello")
	}
	if embeds[0].Author.Name != "Bob" {
		t.Errorf("Author.Name: got %q, want %q", embeds[0].Author.Name, "Bob")
	}
	if embeds[0].Author.URL != "https://matrix.to/#/"+string(testSender) {
		t.Errorf("Author.URL: got %q", embeds[0].Author.URL)
	}
}

func TestHandleMatrixMessageUsesPuppet(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t, nil)
	tc.bridge(t)
	ctx := context.Background()
	puppet := newFakeDiscord()
	tc.Clients.newClient = func(string) (DiscordAPI, error) { return puppet, nil }
	if err := tc.DB.UserToken.Add(ctx, testSender, testUserID, "user-token"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	tc.HandleMatrixEvent(ctx, matrixTextEvent("$m3", testSender, "as myself"))
	tc.drain()

	sent := puppet.Sent()
	if len(sent) != 1 || sent[0].Message.Content != "as myself" {
		t.Fatalf("puppet sends: got %+v", sent)
	}
	if executed := tc.discord.Executed(); len(executed) != 0 {
		t.Errorf("webhook executions: got %d, want 0", len(executed))
	}
}

func TestHandleMatrixMessageSkips(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		evt  func(tc *testConnector) *event.Event
	}{
		{"too old", func(tc *testConnector) *event.Event {
			evt := matrixTextEvent("$old", testSender, "stale")
			evt.Timestamp = time.Now().Add(-AgeLimit - time.Minute).UnixMilli()
			return evt
		}},
		{"ghost sender", func(tc *testConnector) *event.Event {
			return matrixTextEvent("$ghost", tc.Identity.ResolveGhost(testUserID).UserID, "relayed")
		}},
		{"recorded echo", func(tc *testConnector) *event.Event {
			tc.Echo.Record(NetworkMatrix, "$echo")
			return matrixTextEvent("$echo", testSender, "echo")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tc := newTestConnector(t, nil)
			tc.bridge(t)

			tc.HandleMatrixEvent(context.Background(), tt.evt(tc))
			tc.drain()

			if executed := tc.discord.Executed(); len(executed) != 0 {
				t.Errorf("webhook executions: got %d, want 0", len(executed))
			}
		})
	}
}

func TestHandleMatrixMessageAttachment(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t, nil)
	tc.bridge(t)
	tc.matrix.media[id.ContentURI{Homeserver: testDomain, FileID: "pic"}] = []byte("png")
	evt := matrixTextEvent("$m4", testSender, "pic.png")
	evt.Content.Parsed = &event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    "pic.png",
		URL:     "mxc://example.com/pic",
		Info:    &event.FileInfo{MimeType: "image/png", Size: 3},
	}

	tc.HandleMatrixEvent(context.Background(), evt)
	tc.drain()

	executed := tc.discord.Executed()
	if len(executed) != 1 {
		t.Fatalf("webhook executions: got %d, want 1", len(executed))
	}
	files := executed[0].Params.Files
	if len(files) != 1 || files[0].Name != "pic.png" || files[0].ContentType != "image/png" {
		t.Errorf("files: got %+v", files)
	}
}

func TestHandleMatrixEdit(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t, nil)
	tc.bridge(t)
	tc.addWebhook()
	ctx := context.Background()
	_ = tc.DB.Event.Insert(ctx, &database.EventEntry{
		MatrixID:  database.MakeMatrixID("$orig", testRoomID),
		DiscordID: "900000000000000101",
		GuildID:   testGuildID,
		ChannelID: testChanID,
	})
	evt := matrixTextEvent("$edit", testSender, "* fixed")
	evt.Content.Parsed = &event.MessageEventContent{
		MsgType:    event.MsgText,
		Body:       "* fixed",
		NewContent: &event.MessageEventContent{MsgType: event.MsgText, Body: "fixed"},
		RelatesTo:  &event.RelatesTo{Type: event.RelReplace, EventID: "$orig"},
	}

	tc.HandleMatrixEvent(ctx, evt)
	tc.drain()

	tc.discord.mu.Lock()
	edits := append([]string(nil), tc.discord.hookEdits...)
	tc.discord.mu.Unlock()
	if len(edits) != 1 || edits[0] != "900000000000000101|fixed" {
		t.Fatalf("webhook edits: got %v", edits)
	}
	if !tc.Echo.Consume(NetworkDiscord, editEchoKey("900000000000000101")) {
		t.Error("edit should be recorded as an echo")
	}
}

func TestHandleMatrixRedaction(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t, nil)
	tc.bridge(t)
	tc.addWebhook()
	ctx := context.Background()
	_ = tc.DB.Event.Insert(ctx, &database.EventEntry{
		MatrixID:  database.MakeMatrixID("$gone", testRoomID),
		DiscordID: "900000000000000102",
		GuildID:   testGuildID,
		ChannelID: testChanID,
	})
	evt := &event.Event{
		ID:        "$redaction",
		RoomID:    testRoomID,
		Sender:    testSender,
		Type:      event.EventRedaction,
		Timestamp: time.Now().UnixMilli(),
		Content:   event.Content{Parsed: &event.RedactionEventContent{Redacts: "$gone"}},
	}

	tc.HandleMatrixEvent(ctx, evt)
	tc.drain()

	tc.discord.mu.Lock()
	deletes := append([]string(nil), tc.discord.hookDeletes...)
	tc.discord.mu.Unlock()
	if len(deletes) != 1 || deletes[0] != "900000000000000102" {
		t.Fatalf("webhook deletes: got %v", deletes)
	}
	res, err := tc.DB.Event.GetByMatrixID(ctx, "$gone", testRoomID)
	if err != nil {
		t.Fatalf("GetByMatrixID: %v", err)
	}
	if res.IsPresent() {
		t.Error("correlation should be removed after redaction")
	}
}

func TestHandleMatrixEncryption(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t, nil)
	tc.bridge(t)
	ctx := context.Background()

	tc.HandleMatrixEvent(ctx, stateEvent(event.StateEncryption, "", &event.EncryptionEventContent{Algorithm: id.AlgorithmMegolmV1}))

	sent := tc.matrix.bot.Sent()
	if len(sent) != 1 || sent[0].Content.Body != noticeEncryption {
		t.Errorf("notices: got %+v", sent)
	}
	discordSent := tc.discord.Sent()
	if len(discordSent) != 1 || discordSent[0].Message.Content != discordEncryption {
		t.Errorf("discord messages: got %+v", discordSent)
	}
	if leaves := tc.matrix.bot.Calls("leave"); len(leaves) != 1 {
		t.Errorf("leaves: got %d, want 1", len(leaves))
	}
	res, err := tc.DB.Room.GetByMatrixRoom(ctx, testRoomID)
	if err != nil {
		t.Fatalf("GetByMatrixRoom: %v", err)
	}
	if res.IsPresent() {
		t.Error("mapping should be removed")
	}
}

func TestHandleMatrixBotInvite(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t, nil)
	tc.Syncer.afterFunc = func(_ time.Duration, f func()) { f() }

	tc.HandleMatrixEvent(context.Background(), stateEvent(event.StateMember, string(testBotMXID), &event.MemberEventContent{Membership: event.MembershipInvite}))

	joins := tc.matrix.bot.Calls("join")
	if len(joins) != 1 || joins[0].RoomID != testRoomID {
		t.Errorf("joins: got %+v", joins)
	}
}

func TestHandleMatrixStateRelayed(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t, nil)
	tc.bridge(t)

	tc.HandleMatrixEvent(context.Background(), stateEvent(event.StateRoomName, "", &event.RoomNameEventContent{Name: "New"}))
	tc.drain()

	sent := tc.discord.Sent()
	want := "`@bob:example.com` set the name to `New` on Matrix."
	if len(sent) != 1 || sent[0].Message.Content != want {
		t.Errorf("state relay: got %+v, want %q", sent, want)
	}
}

func TestHandleMatrixTypingThrottled(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t, nil)
	tc.bridge(t)
	typing := func() *event.Event {
		return &event.Event{
			RoomID:  testRoomID,
			Type:    event.EphemeralEventTyping,
			Content: event.Content{Parsed: &event.TypingEventContent{UserIDs: []id.UserID{testSender}}},
		}
	}

	tc.HandleMatrixEvent(context.Background(), typing())
	tc.HandleMatrixEvent(context.Background(), typing())

	tc.discord.mu.Lock()
	defer tc.discord.mu.Unlock()
	if len(tc.discord.typing) != 1 {
		t.Errorf("typing: got %d notifications, want 1", len(tc.discord.typing))
	}
}

func TestHandleMatrixEventAgeFromUnsigned(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		timestamp time.Time
		age       time.Duration
		want      int
	}{
		{"stale per homeserver", time.Now(), AgeLimit + time.Minute, 0},
		{"skewed origin clock", time.Now().Add(-AgeLimit - time.Hour), time.Second, 1},
		{"no unsigned age", time.Now().Add(-AgeLimit - time.Minute), 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tc := newTestConnector(t, nil)
			tc.bridge(t)
			evt := matrixTextEvent("$aged", testSender, "hello")
			evt.Timestamp = tt.timestamp.UnixMilli()
			evt.Unsigned.Age = tt.age.Milliseconds()

			tc.HandleMatrixEvent(context.Background(), evt)
			tc.drain()

			if got := len(tc.discord.Executed()); got != tt.want {
				t.Errorf("webhook executions: got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHandleMatrixEventConsumesGhostEcho(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t, nil)
	tc.bridge(t)
	ghost := tc.Identity.ResolveGhost(testUserID).UserID
	tc.Echo.Record(NetworkMatrix, "$relayed")

	tc.HandleMatrixEvent(context.Background(), matrixTextEvent("$relayed", ghost, "from discord"))
	tc.drain()

	if n := tc.Echo.Len(NetworkMatrix); n != 0 {
		t.Errorf("matrix echo set: got %d entries, want 0", n)
	}
	if executed := tc.discord.Executed(); len(executed) != 0 {
		t.Errorf("webhook executions: got %d, want 0", len(executed))
	}
}

func TestHandleMatrixMessageMentions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		disable bool
		want    string
	}{
		{"enabled", false, "hi <@!" + testUserID + ">"},
		{"disabled", true, "hi alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := newTestConfig()
			cfg.Bridge.DisableDiscordMentions = tt.disable
			tc := newTestConnector(t, cfg)
			tc.bridge(t)
			tc.matrix.setMember(testRoomID, testSender, "Bob")

			tc.HandleMatrixEvent(context.Background(), matrixTextEvent("$mention", testSender, "hi alice"))
			tc.drain()

			executed := tc.discord.Executed()
			if len(executed) != 1 {
				t.Fatalf("webhook executions: got %d, want 1", len(executed))
			}
			if got := executed[0].Params.Content; got != tt.want {
				t.Errorf("Content: got %q, want %q", got, tt.want)
			}
		})
	}
}
