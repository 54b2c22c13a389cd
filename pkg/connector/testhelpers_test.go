// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-discord/pkg/database"
)

const (
	testDomain  = "example.com"
	testBotMXID = id.UserID("@_discord_bot:example.com")
	testBotID   = "100000000000000001"
	testGuildID = "200000000000000001"
	testChanID  = "300000000000000001"
	testUserID  = "400000000000000001"
	testRoomID  = id.RoomID("!room:example.com")
)

var errNotFound = errors.New("not found")

// sentMatrixMessage is one message sent through a fake intent.
type sentMatrixMessage struct {
	RoomID  id.RoomID
	Type    event.Type
	Content *event.MessageEventContent
}

// intentCall records a call without a richer payload.
type intentCall struct {
	Method string
	RoomID id.RoomID
	Arg    string
}

// fakeIntent is a MatrixIntent that records every call.
type fakeIntent struct {
	userID id.UserID

	mu       sync.Mutex
	nextID   int
	sent     []sentMatrixMessage
	calls    []intentCall
	uploads  int
	created  []*CreateRoomRequest
	joinErr  error
	sendErrs []error
}

func (f *fakeIntent) UserID() id.UserID { return f.userID }

func (f *fakeIntent) record(method string, roomID id.RoomID, arg string) {
	f.calls = append(f.calls, intentCall{Method: method, RoomID: roomID, Arg: arg})
}

func (f *fakeIntent) JoinRoom(_ context.Context, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("join", roomID, "")
	return f.joinErr
}

func (f *fakeIntent) LeaveRoom(_ context.Context, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("leave", roomID, "")
	return nil
}

func (f *fakeIntent) SendMessage(_ context.Context, roomID id.RoomID, evtType event.Type, content *event.MessageEventContent) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return "", err
		}
	}
	f.nextID++
	f.sent = append(f.sent, sentMatrixMessage{RoomID: roomID, Type: evtType, Content: content})
	return id.EventID(fmt.Sprintf("$%d:%s", f.nextID, f.userID)), nil
}

func (f *fakeIntent) Redact(_ context.Context, roomID id.RoomID, eventID id.EventID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("redact", roomID, string(eventID))
	return nil
}

func (f *fakeIntent) SetDisplayName(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("displayname", "", name)
	return nil
}

func (f *fakeIntent) SetAvatarURL(_ context.Context, uri id.ContentURI) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("avatar", "", uri.String())
	return nil
}

func (f *fakeIntent) UploadBytes(_ context.Context, _ []byte, _ string) (id.ContentURI, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	return id.ContentURI{Homeserver: testDomain, FileID: "upload" + strconv.Itoa(f.uploads)}, nil
}

func (f *fakeIntent) SetTyping(_ context.Context, roomID id.RoomID, typing bool, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("typing", roomID, strconv.FormatBool(typing))
	return nil
}

func (f *fakeIntent) SetPresence(_ context.Context, presence event.Presence, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("presence", "", string(presence)+"|"+status)
	return nil
}

func (f *fakeIntent) SetRoomName(_ context.Context, roomID id.RoomID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("name", roomID, name)
	return nil
}

func (f *fakeIntent) SetRoomTopic(_ context.Context, roomID id.RoomID, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("topic", roomID, topic)
	return nil
}

func (f *fakeIntent) SetRoomAvatar(_ context.Context, roomID id.RoomID, uri id.ContentURI) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("room_avatar", roomID, uri.String())
	return nil
}

func (f *fakeIntent) CreateRoom(_ context.Context, req *CreateRoomRequest) (id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return id.RoomID(fmt.Sprintf("!created%d:%s", len(f.created), testDomain)), nil
}

func (f *fakeIntent) Kick(_ context.Context, roomID id.RoomID, userID id.UserID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("kick", roomID, string(userID))
	return nil
}

func (f *fakeIntent) Ban(_ context.Context, roomID id.RoomID, userID id.UserID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ban", roomID, string(userID))
	return nil
}

func (f *fakeIntent) Unban(_ context.Context, roomID id.RoomID, userID id.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("unban", roomID, string(userID))
	return nil
}

// Sent returns a copy of the messages sent so far.
func (f *fakeIntent) Sent() []sentMatrixMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMatrixMessage(nil), f.sent...)
}

// Calls returns the recorded calls of one method.
func (f *fakeIntent) Calls(method string) []intentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []intentCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// fakeMatrix is an in-memory MatrixAPI.
type fakeMatrix struct {
	bot *fakeIntent

	mu      sync.Mutex
	ghosts  map[id.UserID]*fakeIntent
	powers  map[id.RoomID]*event.PowerLevelsEventContent
	members map[id.RoomID]map[id.UserID]*event.MemberEventContent
	media   map[id.ContentURI][]byte
}

var _ MatrixAPI = (*fakeMatrix)(nil)

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		bot:     &fakeIntent{userID: testBotMXID},
		ghosts:  make(map[id.UserID]*fakeIntent),
		powers:  make(map[id.RoomID]*event.PowerLevelsEventContent),
		members: make(map[id.RoomID]map[id.UserID]*event.MemberEventContent),
		media:   make(map[id.ContentURI][]byte),
	}
}

func (m *fakeMatrix) Bot() MatrixIntent { return m.bot }

func (m *fakeMatrix) Ghost(userID id.UserID) MatrixIntent {
	return m.ghost(userID)
}

func (m *fakeMatrix) ghost(userID id.UserID) *fakeIntent {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.ghosts[userID]
	if !ok {
		g = &fakeIntent{userID: userID}
		m.ghosts[userID] = g
	}
	return g
}

func (m *fakeMatrix) Domain() string { return testDomain }

func (m *fakeMatrix) Download(_ context.Context, uri id.ContentURI) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.media[uri]
	if !ok {
		return nil, errNotFound
	}
	return data, nil
}

func (m *fakeMatrix) HTTPURL(uri id.ContentURIString) string {
	parsed, err := uri.Parse()
	if err != nil {
		return ""
	}
	return "https://" + testDomain + "/_matrix/media/v3/download/" + parsed.Homeserver + "/" + parsed.FileID
}

func (m *fakeMatrix) PowerLevels(_ context.Context, roomID id.RoomID) (*event.PowerLevelsEventContent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pl, ok := m.powers[roomID]
	if !ok {
		return &event.PowerLevelsEventContent{}, nil
	}
	return pl, nil
}

func (m *fakeMatrix) Member(_ context.Context, roomID id.RoomID, userID id.UserID) (*event.MemberEventContent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[roomID][userID]
	if !ok {
		return nil, errNotFound
	}
	return member, nil
}

func (m *fakeMatrix) JoinedMembers(_ context.Context, roomID id.RoomID) (map[id.UserID]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[id.UserID]string)
	for userID, member := range m.members[roomID] {
		if member.Membership == event.MembershipJoin {
			out[userID] = member.Displayname
		}
	}
	return out, nil
}

func (m *fakeMatrix) setMember(roomID id.RoomID, userID id.UserID, displayname string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[roomID] == nil {
		m.members[roomID] = make(map[id.UserID]*event.MemberEventContent)
	}
	m.members[roomID][userID] = &event.MemberEventContent{Membership: event.MembershipJoin, Displayname: displayname}
}

// webhookExecution is one message sent through a webhook.
type webhookExecution struct {
	WebhookID string
	Params    *discordgo.WebhookParams
}

// discordSend is one message sent as the bot.
type discordSend struct {
	ChannelID string
	Message   *discordgo.MessageSend
}

// fakeDiscord is an in-memory DiscordAPI.
type fakeDiscord struct {
	botID string

	mu       sync.Mutex
	nextID   int
	guilds   map[string]*discordgo.Guild
	channels map[string]*discordgo.Channel
	members  map[string][]*discordgo.Member
	emojis   map[string][]*discordgo.Emoji
	perms    map[string]int64
	webhooks map[string][]*discordgo.Webhook

	hookCreateErr error
	executed      []webhookExecution
	hookEdits     []string
	hookDeletes   []string
	sent          []discordSend
	deletes       []string
	typing        []string
}

var _ DiscordAPI = (*fakeDiscord)(nil)

func newFakeDiscord() *fakeDiscord {
	return &fakeDiscord{
		botID:    testBotID,
		guilds:   make(map[string]*discordgo.Guild),
		channels: make(map[string]*discordgo.Channel),
		members:  make(map[string][]*discordgo.Member),
		emojis:   make(map[string][]*discordgo.Emoji),
		perms:    make(map[string]int64),
		webhooks: make(map[string][]*discordgo.Webhook),
	}
}

func (d *fakeDiscord) id() string {
	d.nextID++
	return strconv.Itoa(900000000000000000 + d.nextID)
}

func (d *fakeDiscord) BotUserID() string { return d.botID }

func (d *fakeDiscord) Guild(guildID string) (*discordgo.Guild, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.guilds[guildID]
	if !ok {
		return nil, errNotFound
	}
	return g, nil
}

func (d *fakeDiscord) Channel(channelID string) (*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.channels[channelID]
	if !ok {
		return nil, errNotFound
	}
	return c, nil
}

func (d *fakeDiscord) GuildChannels(guildID string) ([]*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*discordgo.Channel
	for _, c := range d.channels {
		if c.GuildID == guildID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (d *fakeDiscord) GuildMembers(guildID string) ([]*discordgo.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.members[guildID], nil
}

func (d *fakeDiscord) Member(guildID, userID string) (*discordgo.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.members[guildID] {
		if m.User != nil && m.User.ID == userID {
			return m, nil
		}
	}
	return nil, errNotFound
}

func (d *fakeDiscord) GuildEmojis(guildID string) ([]*discordgo.Emoji, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.emojis[guildID], nil
}

func (d *fakeDiscord) UserChannelPermissions(userID, channelID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.perms[userID+"/"+channelID], nil
}

func (d *fakeDiscord) ChannelWebhooks(channelID string) ([]*discordgo.Webhook, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.webhooks[channelID], nil
}

func (d *fakeDiscord) WebhookCreate(channelID, name string) (*discordgo.Webhook, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hookCreateErr != nil {
		return nil, d.hookCreateErr
	}
	hook := &discordgo.Webhook{ID: d.id(), Token: "token", Name: name, ChannelID: channelID}
	d.webhooks[channelID] = append(d.webhooks[channelID], hook)
	return hook, nil
}

func (d *fakeDiscord) WebhookExecute(webhookID, _ string, params *discordgo.WebhookParams) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executed = append(d.executed, webhookExecution{WebhookID: webhookID, Params: params})
	return &discordgo.Message{ID: d.id(), WebhookID: webhookID}, nil
}

func (d *fakeDiscord) WebhookMessageEdit(_, _, messageID, content string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hookEdits = append(d.hookEdits, messageID+"|"+content)
	return nil
}

func (d *fakeDiscord) WebhookMessageDelete(_, _, messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hookDeletes = append(d.hookDeletes, messageID)
	return nil
}

func (d *fakeDiscord) SendMessage(channelID string, msg *discordgo.MessageSend) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, discordSend{ChannelID: channelID, Message: msg})
	return &discordgo.Message{ID: d.id(), ChannelID: channelID, Content: msg.Content}, nil
}

func (d *fakeDiscord) DeleteMessage(_, messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deletes = append(d.deletes, messageID)
	return nil
}

func (d *fakeDiscord) Typing(channelID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.typing = append(d.typing, channelID)
	return nil
}

func (d *fakeDiscord) addGuild(guildID, name string) *discordgo.Guild {
	d.mu.Lock()
	defer d.mu.Unlock()
	g := &discordgo.Guild{ID: guildID, Name: name}
	d.guilds[guildID] = g
	return g
}

func (d *fakeDiscord) addChannel(guildID, channelID, name string) *discordgo.Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &discordgo.Channel{ID: channelID, GuildID: guildID, Name: name, Type: discordgo.ChannelTypeGuildText}
	d.channels[channelID] = c
	return c
}

func (d *fakeDiscord) addMember(guildID, userID, username string) *discordgo.Member {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := &discordgo.Member{GuildID: guildID, User: &discordgo.User{ID: userID, Username: username}}
	d.members[guildID] = append(d.members[guildID], m)
	return m
}

func (d *fakeDiscord) setPerms(userID, channelID string, perms int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.perms[userID+"/"+channelID] = perms
}

func (d *fakeDiscord) Executed() []webhookExecution {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]webhookExecution(nil), d.executed...)
}

func (d *fakeDiscord) Sent() []discordSend {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]discordSend(nil), d.sent...)
}

// staticFetch serves the same bytes for every URL.
func staticFetch(data []byte, contentType string) URLFetcher {
	return func(context.Context, string) ([]byte, string, error) {
		return data, contentType, nil
	}
}

// testConnector bundles a connector with its fakes.
type testConnector struct {
	*DiscordConnector
	matrix  *fakeMatrix
	discord *fakeDiscord
}

func newTestDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.Open(context.Background(), database.SQLite, ":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Upgrade(context.Background()); err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestConfig() *Config {
	cfg := &Config{
		Homeserver: HomeserverConfig{Domain: testDomain},
		Bridge: BridgeConfig{
			DisplaynameTemplate: "{{.Username}} (Discord)",
			MessageDelayMS:      1,
			GhostJoinDelayMS:    1,
			ProvisioningTimeout: 60,
		},
	}
	if err := cfg.PostProcess(); err != nil {
		panic(err)
	}
	return cfg
}

// newTestConnector builds a connector over fakes with one guild, one text
// channel and one member.
func newTestConnector(t *testing.T, cfg *Config) *testConnector {
	t.Helper()
	if cfg == nil {
		cfg = newTestConfig()
	}
	matrix := newFakeMatrix()
	discord := newFakeDiscord()
	discord.addGuild(testGuildID, "Guild")
	discord.addChannel(testGuildID, testChanID, "general")
	discord.addMember(testGuildID, testUserID, "alice")

	dc := NewDiscordConnector(cfg, newTestDB(t), matrix, discord, staticFetch([]byte("data"), "image/png"), zerolog.Nop())
	dc.Syncer.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	dc.Clients.newClient = func(string) (DiscordAPI, error) { return newFakeDiscord(), nil }
	t.Cleanup(func() { dc.Stop(context.Background()) })
	return &testConnector{DiscordConnector: dc, matrix: matrix, discord: discord}
}

// bridge maps testRoomID to the test channel.
func (tc *testConnector) bridge(t *testing.T) *database.RoomEntry {
	t.Helper()
	entry := &database.RoomEntry{
		MatrixRoomID: testRoomID,
		GuildID:      testGuildID,
		ChannelID:    testChanID,
		UpdateName:   true,
		UpdateTopic:  true,
		UpdateIcon:   true,
	}
	if err := tc.DB.Room.Upsert(context.Background(), entry); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	return entry
}

// drain waits for every queued send to finish. The dispatcher refuses new
// work afterwards.
func (tc *testConnector) drain() {
	tc.Dispatcher.StopWait()
}

func discordMessage(messageID, content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        messageID,
		ChannelID: testChanID,
		GuildID:   testGuildID,
		Content:   content,
		Author:    &discordgo.User{ID: testUserID, Username: "alice"},
	}
}

func matrixTextEvent(eventID id.EventID, sender id.UserID, body string) *event.Event {
	return &event.Event{
		ID:        eventID,
		RoomID:    testRoomID,
		Sender:    sender,
		Type:      event.EventMessage,
		Timestamp: time.Now().UnixMilli(),
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    body,
		}},
	}
}
