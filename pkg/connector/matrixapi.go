// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// AppServiceAPI implements MatrixAPI on top of a mautrix appservice.
type AppServiceAPI struct {
	AS *appservice.AppService
	// PublicAddress is the homeserver base URL used to build media links
	// that Discord users can open.
	PublicAddress string
}

var _ MatrixAPI = (*AppServiceAPI)(nil)

func NewAppServiceAPI(as *appservice.AppService, publicAddress string) *AppServiceAPI {
	return &AppServiceAPI{AS: as, PublicAddress: strings.TrimSuffix(publicAddress, "/")}
}

// mapMatrixError turns M_FORBIDDEN into ErrPermission.
func mapMatrixError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mautrix.MForbidden) {
		return fmt.Errorf("%w: %w", ErrPermission, err)
	}
	return err
}

func (a *AppServiceAPI) Bot() MatrixIntent {
	return &intentAdapter{intent: a.AS.BotIntent()}
}

func (a *AppServiceAPI) Ghost(userID id.UserID) MatrixIntent {
	return &intentAdapter{intent: a.AS.Intent(userID)}
}

func (a *AppServiceAPI) Domain() string {
	return a.AS.HomeserverDomain
}

func (a *AppServiceAPI) Download(ctx context.Context, uri id.ContentURI) ([]byte, error) {
	data, err := a.AS.BotClient().DownloadBytes(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", uri, err)
	}
	return data, nil
}

func (a *AppServiceAPI) HTTPURL(uri id.ContentURIString) string {
	parsed, err := uri.Parse()
	if err != nil {
		return ""
	}
	return a.PublicAddress + "/_matrix/media/v3/download/" + parsed.Homeserver + "/" + parsed.FileID
}

func (a *AppServiceAPI) PowerLevels(ctx context.Context, roomID id.RoomID) (*event.PowerLevelsEventContent, error) {
	pl, err := a.AS.BotIntent().PowerLevels(ctx, roomID)
	return pl, mapMatrixError(err)
}

func (a *AppServiceAPI) Member(ctx context.Context, roomID id.RoomID, userID id.UserID) (*event.MemberEventContent, error) {
	var member event.MemberEventContent
	err := a.AS.BotIntent().StateEvent(ctx, roomID, event.StateMember, string(userID), &member)
	if err != nil {
		return nil, mapMatrixError(err)
	}
	return &member, nil
}

func (a *AppServiceAPI) JoinedMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]string, error) {
	resp, err := a.AS.BotIntent().JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, mapMatrixError(err)
	}
	members := make(map[id.UserID]string, len(resp.Joined))
	for userID, member := range resp.Joined {
		members[userID] = member.DisplayName
	}
	return members, nil
}

type intentAdapter struct {
	intent *appservice.IntentAPI
}

func (i *intentAdapter) UserID() id.UserID { return i.intent.UserID }

func (i *intentAdapter) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	return mapMatrixError(i.intent.EnsureJoined(ctx, roomID))
}

func (i *intentAdapter) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := i.intent.LeaveRoom(ctx, roomID)
	return mapMatrixError(err)
}

func (i *intentAdapter) SendMessage(ctx context.Context, roomID id.RoomID, evtType event.Type, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := i.intent.SendMessageEvent(ctx, roomID, evtType, content)
	if err != nil {
		return "", mapMatrixError(err)
	}
	return resp.EventID, nil
}

func (i *intentAdapter) Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	_, err := i.intent.RedactEvent(ctx, roomID, eventID)
	return mapMatrixError(err)
}

func (i *intentAdapter) SetDisplayName(ctx context.Context, name string) error {
	if err := i.intent.EnsureRegistered(ctx); err != nil {
		return err
	}
	return mapMatrixError(i.intent.SetDisplayName(ctx, name))
}

func (i *intentAdapter) SetAvatarURL(ctx context.Context, uri id.ContentURI) error {
	if err := i.intent.EnsureRegistered(ctx); err != nil {
		return err
	}
	return mapMatrixError(i.intent.SetAvatarURL(ctx, uri))
}

func (i *intentAdapter) UploadBytes(ctx context.Context, data []byte, contentType string) (id.ContentURI, error) {
	resp, err := i.intent.UploadBytes(ctx, data, contentType)
	if err != nil {
		return id.ContentURI{}, mapMatrixError(err)
	}
	return resp.ContentURI, nil
}

func (i *intentAdapter) SetTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) error {
	_, err := i.intent.UserTyping(ctx, roomID, typing, timeout)
	return mapMatrixError(err)
}

func (i *intentAdapter) SetPresence(ctx context.Context, presence event.Presence, status string) error {
	if err := i.intent.EnsureRegistered(ctx); err != nil {
		return err
	}
	return mapMatrixError(i.intent.SetPresence(ctx, mautrix.ReqPresence{Presence: presence, StatusMsg: status}))
}

func (i *intentAdapter) SetRoomName(ctx context.Context, roomID id.RoomID, name string) error {
	_, err := i.intent.SetRoomName(ctx, roomID, name)
	return mapMatrixError(err)
}

func (i *intentAdapter) SetRoomTopic(ctx context.Context, roomID id.RoomID, topic string) error {
	_, err := i.intent.SetRoomTopic(ctx, roomID, topic)
	return mapMatrixError(err)
}

func (i *intentAdapter) SetRoomAvatar(ctx context.Context, roomID id.RoomID, uri id.ContentURI) error {
	_, err := i.intent.SendStateEvent(ctx, roomID, event.StateRoomAvatar, "", &event.RoomAvatarEventContent{URL: uri.CUString()})
	return mapMatrixError(err)
}

func (i *intentAdapter) CreateRoom(ctx context.Context, req *CreateRoomRequest) (id.RoomID, error) {
	visibility := "private"
	if req.Public {
		visibility = "public"
	}
	resp, err := i.intent.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility:         visibility,
		RoomAliasName:      req.AliasLocalpart,
		Name:               req.Name,
		Topic:              req.Topic,
		PowerLevelOverride: req.PowerLevels,
	})
	if err != nil {
		return "", mapMatrixError(err)
	}
	return resp.RoomID, nil
}

func (i *intentAdapter) Kick(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	_, err := i.intent.KickUser(ctx, roomID, &mautrix.ReqKickUser{UserID: userID, Reason: reason})
	return mapMatrixError(err)
}

func (i *intentAdapter) Ban(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	_, err := i.intent.BanUser(ctx, roomID, &mautrix.ReqBanUser{UserID: userID, Reason: reason})
	return mapMatrixError(err)
}

func (i *intentAdapter) Unban(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := i.intent.UnbanUser(ctx, roomID, &mautrix.ReqUnbanUser{UserID: userID})
	return mapMatrixError(err)
}
