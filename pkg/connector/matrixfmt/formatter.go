// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt converts Matrix events into Discord messages: HTML to
// Discord markdown, member mentions, guild emoji, attachments and one-line
// renderings of room state changes.
package matrixfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var (
	replyRe      = regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)
	strongRe     = regexp.MustCompile(`(?s)<(?:strong|b)>(.*?)</(?:strong|b)>`)
	emRe         = regexp.MustCompile(`(?s)<(?:em|i)>(.*?)</(?:em|i)>`)
	underlineRe  = regexp.MustCompile(`(?s)<u>(.*?)</u>`)
	delRe        = regexp.MustCompile(`(?s)<(?:del|s|strike)>(.*?)</(?:del|s|strike)>`)
	spoilerRe    = regexp.MustCompile(`(?s)<span data-mx-spoiler(?:="[^"]*")?>(.*?)</span>`)
	codeRe       = regexp.MustCompile(`(?s)<code>(.*?)</code>`)
	preRe        = regexp.MustCompile(`(?s)<pre><code(?: class="language-([^"]+)")?>(.*?)</code></pre>`)
	linkRe       = regexp.MustCompile(`(?s)<a href="([^"]+)"[^>]*>(.*?)</a>`)
	brRe         = regexp.MustCompile(`<br\s*/?>`)
	blockquoteRe = regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`)
	headingRe    = regexp.MustCompile(`(?s)<h([1-6])>(.*?)</h[1-6]>`)
	ulRe         = regexp.MustCompile(`(?s)<ul>(.*?)</ul>`)
	olRe         = regexp.MustCompile(`(?s)<ol(?: start="(\d+)")?>(.*?)</ol>`)
	liRe         = regexp.MustCompile(`(?s)<li>(.*?)</li>`)
	pRe          = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
	pillRe       = regexp.MustCompile(`^https://matrix\.to/#/(@[^/?"]+)`)
)

// GhostResolver maps a Matrix user to the Discord user it puppets. It returns
// false for real Matrix users.
type GhostResolver func(userID id.UserID) (discordID string, ok bool)

// Parse converts Matrix message content to Discord markdown.
func Parse(content *event.MessageEventContent) string {
	return ParseWithPills(content, nil)
}

// ParseWithPills is Parse, additionally turning user pills of Discord ghosts
// into native Discord mentions.
func ParseWithPills(content *event.MessageEventContent, ghosts GhostResolver) string {
	if content == nil {
		return ""
	}

	// If no HTML format, return plain text body.
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return content.Body
	}

	text := replyRe.ReplaceAllString(content.FormattedBody, "")

	// Code blocks first (preserve content inside).
	text = preRe.ReplaceAllString(text, "```$1\n$2\n```")
	text = codeRe.ReplaceAllString(text, "`$1`")

	// Inline formatting.
	text = strongRe.ReplaceAllString(text, "**$1**")
	text = emRe.ReplaceAllString(text, "*${1}*")
	text = underlineRe.ReplaceAllString(text, "__${1}__")
	text = delRe.ReplaceAllString(text, "~~$1~~")
	text = spoilerRe.ReplaceAllString(text, "||$1||")

	// Links and pills.
	text = linkRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		href, label := parts[1], parts[2]
		if m := pillRe.FindStringSubmatch(href); m != nil && ghosts != nil {
			if discordID, ok := ghosts(id.UserID(m[1])); ok {
				return "<@" + discordID + ">"
			}
		}
		if label == href || tagRe.ReplaceAllString(label, "") == href {
			return href
		}
		return "[" + label + "](" + href + ")"
	})

	// Headings.
	text = headingRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := headingRe.FindStringSubmatch(match)
		level, _ := strconv.Atoi(parts[1])
		return strings.Repeat("#", min(level, 3)) + " " + parts[2]
	})

	// Blockquotes.
	text = blockquoteRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := blockquoteRe.FindStringSubmatch(match)
		inner := pRe.ReplaceAllString(parts[1], "$1\n")
		inner = brRe.ReplaceAllString(inner, "\n")
		lines := strings.Split(strings.TrimSpace(inner), "\n")
		for i, line := range lines {
			lines[i] = "> " + strings.TrimSpace(line)
		}
		return strings.Join(lines, "\n") + "\n"
	})

	// Lists.
	text = ulRe.ReplaceAllStringFunc(text, func(match string) string {
		items := liRe.FindAllStringSubmatch(match, -1)
		result := make([]string, 0, len(items))
		for _, item := range items {
			result = append(result, "- "+strings.TrimSpace(item[1]))
		}
		return strings.Join(result, "\n") + "\n"
	})

	text = olRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := olRe.FindStringSubmatch(match)
		start := 1
		if parts[1] != "" {
			start, _ = strconv.Atoi(parts[1])
		}
		items := liRe.FindAllStringSubmatch(parts[2], -1)
		result := make([]string, 0, len(items))
		for i, item := range items {
			result = append(result, strconv.Itoa(start+i)+". "+strings.TrimSpace(item[1]))
		}
		return strings.Join(result, "\n") + "\n"
	})

	// Paragraphs.
	text = pRe.ReplaceAllString(text, "$1\n\n")

	// Line breaks.
	text = brRe.ReplaceAllString(text, "\n")

	// Strip remaining HTML tags.
	text = tagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)

	return strings.TrimSpace(text)
}
