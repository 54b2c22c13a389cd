// Copyright 2024-2026 Aiku AI

package matrixfmt

import (
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// StateEventToMessage renders a room state change as one line of text. It
// returns false when there is nothing to send: changes made by the bridge bot,
// profile-only member updates and unhandled event types.
func StateEventToMessage(evt *event.Event, botID id.UserID) (string, bool) {
	if evt == nil || evt.Sender == botID {
		return "", false
	}
	sender := "`" + string(evt.Sender) + "`"
	target := ""
	if evt.StateKey != nil {
		target = "`" + *evt.StateKey + "`"
	}

	switch evt.Type.Type {
	case event.StateRoomName.Type:
		return sender + " set the name to `" + evt.Content.AsRoomName().Name + "` on Matrix.", true
	case event.StateTopic.Type:
		return sender + " set the topic to `" + evt.Content.AsTopic().Topic + "` on Matrix.", true
	case event.StateMember.Type:
		prev := ""
		if evt.Unsigned.PrevContent != nil {
			prev, _ = evt.Unsigned.PrevContent.Raw["membership"].(string)
		}
		switch evt.Content.AsMember().Membership {
		case event.MembershipJoin:
			if prev == string(event.MembershipJoin) {
				return "", false
			}
			return sender + " joined the room on Matrix.", true
		case event.MembershipInvite:
			return sender + " invited " + target + " to the room on Matrix.", true
		case event.MembershipLeave:
			if evt.StateKey != nil && *evt.StateKey != string(evt.Sender) {
				return sender + " kicked " + target + " from the room on Matrix.", true
			}
			return sender + " left the room on Matrix.", true
		case event.MembershipBan:
			return sender + " banned " + target + " from the room on Matrix.", true
		}
	}
	return "", false
}
