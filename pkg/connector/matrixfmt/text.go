// Copyright 2024-2026 Aiku AI

package matrixfmt

import (
	"regexp"
	"strings"

	"maunium.net/go/mautrix/event"
)

// Emoji is a custom emoji of the destination guild.
type Emoji struct {
	ID       string
	Name     string
	Animated bool
}

var shortcodeRe = regexp.MustCompile(`:([A-Za-z0-9_]{2,32}):`)

// ReplaceEmoji turns ":name:" into a Discord custom emoji token when name is
// exactly the name of an emoji in the guild. Anything else is left unchanged.
func ReplaceEmoji(body string, emojis []Emoji) string {
	if len(emojis) == 0 || !strings.Contains(body, ":") {
		return body
	}
	byName := make(map[string]Emoji, len(emojis))
	for _, e := range emojis {
		byName[e.Name] = e
	}
	var out strings.Builder
	last := 0
	for _, m := range shortcodeRe.FindAllStringSubmatchIndex(body, -1) {
		start, end := m[0], m[1]
		// Already part of a Discord emoji token such as <:name:id>.
		if start > 0 && (body[start-1] == '<' || strings.HasSuffix(body[:start], "<a")) {
			continue
		}
		emoji, ok := byName[body[m[2]:m[3]]]
		if !ok {
			continue
		}
		out.WriteString(body[last:start])
		if emoji.Animated {
			out.WriteString("<a:" + emoji.Name + ":" + emoji.ID + ">")
		} else {
			out.WriteString("<:" + emoji.Name + ":" + emoji.ID + ">")
		}
		last = end
	}
	if last == 0 {
		return body
	}
	out.WriteString(body[last:])
	return out.String()
}

// zeroWidthSpace breaks "@everyone" so Discord does not ping the channel.
const zeroWidthSpace = "\u200b"

// NeutralizeBroadcasts defuses channel-wide pings.
func NeutralizeBroadcasts(body string, everyone, here bool) string {
	if everyone {
		body = strings.ReplaceAll(body, "@everyone", "@"+zeroWidthSpace+"everyone")
	}
	if here {
		body = strings.ReplaceAll(body, "@here", "@"+zeroWidthSpace+"here")
	}
	return body
}

// FormatEmote renders an emote as a third-person action line.
func FormatEmote(displayname, body string) string {
	return "*" + displayname + " " + body + "*"
}

// Context carries the destination guild state used while transforming a message.
type Context struct {
	Members []Member
	Emojis  []Emoji
	Ghosts  GhostResolver

	DisableEveryone bool
	DisableHere     bool
	DisableMentions bool
}

// FormatMessage renders the text of a Matrix message for Discord: markdown,
// pills, mentions, emoji and broadcast neutralization. Emotes become action
// lines attributed to displayname.
func FormatMessage(content *event.MessageEventContent, displayname string, fctx *Context) string {
	if content == nil {
		return ""
	}
	if fctx == nil {
		fctx = &Context{}
	}
	text := ParseWithPills(content, fctx.Ghosts)
	if !fctx.DisableMentions {
		text = FindMentions(text, fctx.Members)
	}
	text = ReplaceEmoji(text, fctx.Emojis)
	text = NeutralizeBroadcasts(text, fctx.DisableEveryone, fctx.DisableHere)
	if content.MsgType == event.MsgEmote {
		text = FormatEmote(displayname, text)
	}
	return text
}

// EditText is the replacement text sent when a message could not be edited
// in place on Discord.
func EditText(newText string) string {
	return "*edit:* " + newText
}
