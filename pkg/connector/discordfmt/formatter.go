// Copyright 2024-2026 Aiku AI

// Package discordfmt converts Discord markdown to Matrix HTML.
package discordfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ParsedMessage holds the result of converting a Discord message to Matrix format.
type ParsedMessage struct {
	Body          string
	Format        event.Format
	FormattedBody string
	Mentions      []id.UserID
}

// Content builds the m.text event content for the message.
func (p *ParsedMessage) Content() *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          p.Body,
		Format:        p.Format,
		FormattedBody: p.FormattedBody,
	}
	if len(p.Mentions) > 0 {
		content.Mentions = &event.Mentions{UserIDs: p.Mentions}
	}
	return content
}

var (
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	underlineRe  = regexp.MustCompile(`__(.+?)__`)
	italicStarRe = regexp.MustCompile(`\*([^*\s](?:[^*]*?[^*\s])?)\*`)
	italicUndRe  = regexp.MustCompile(`\b_([^_]+?)_\b`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	spoilerRe    = regexp.MustCompile(`\|\|(.+?)\|\|`)
	codeRe       = regexp.MustCompile("`([^`]+)`")
	codeBlockRe  = regexp.MustCompile("(?s)```(\\w+)?\\n?(.*?)```")
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	headingRe    = regexp.MustCompile(`(?m)^(#{1,3})\s+(.+)$`)
	ulRe         = regexp.MustCompile(`(?m)^[-*]\s+(.+)$`)
	olRe         = regexp.MustCompile(`(?m)^\d+\.\s+(.+)$`)
	blockquoteRe = regexp.MustCompile(`(?m)^>\s+(.+)$`)

	userTokenRe    = regexp.MustCompile(`<@!?(\d+)>`)
	channelTokenRe = regexp.MustCompile(`<#(\d+)>`)
	roleTokenRe    = regexp.MustCompile(`<@&(\d+)>`)
	emojiTokenRe   = regexp.MustCompile(`<(a?):(\w+):(\d+)>`)
	anyTokenRe     = regexp.MustCompile(`<(?:@[!&]?|#|a?:\w+:)\d+>`)
)

const matrixToPrefix = "https://matrix.to/#/"

// Resolver looks up the Matrix side of Discord tokens. Any field may be nil,
// in which case the token is rendered as plain text.
type Resolver struct {
	// User returns the ghost of a Discord user and the name to show.
	User func(discordID string) (userID id.UserID, displayname string, ok bool)
	// Channel returns the name and the Matrix alias of a Discord channel.
	Channel func(channelID string) (name string, alias id.RoomAlias, ok bool)
	// Role returns the name of a guild role.
	Role func(roleID string) (name string, ok bool)
	// Emoji returns the mxc URI of a custom emoji, uploading it if needed.
	Emoji func(emojiID, name string, animated bool) (id.ContentURIString, bool)
}

// codeBlock holds extracted code block data.
type codeBlock struct {
	lang    string
	content string
}

// token is a Discord mention or emoji extracted before formatting.
type token struct {
	body string
	html string
}

// Parse converts a Discord markdown message to Matrix event content.
func Parse(text string) *ParsedMessage {
	return ParseWithResolver(text, nil)
}

// ParseWithResolver is Parse, additionally turning Discord mentions, channel
// links and custom emoji into their Matrix equivalents.
func ParseWithResolver(text string, res *Resolver) *ParsedMessage {
	if text == "" {
		return &ParsedMessage{}
	}
	if res == nil {
		res = &Resolver{}
	}

	msg := &ParsedMessage{Body: text}

	// Step 1: Extract Discord tokens into placeholders.
	var tokens []token
	processed := anyTokenRe.ReplaceAllStringFunc(text, func(match string) string {
		tok := resolveToken(match, res, msg)
		idx := len(tokens)
		tokens = append(tokens, tok)
		return "\x00TOKEN" + strconv.Itoa(idx) + "\x00"
	})

	hasFormatting := len(tokens) > 0 ||
		boldRe.MatchString(text) ||
		underlineRe.MatchString(text) ||
		italicStarRe.MatchString(text) ||
		italicUndRe.MatchString(text) ||
		strikeRe.MatchString(text) ||
		spoilerRe.MatchString(text) ||
		codeRe.MatchString(text) ||
		codeBlockRe.MatchString(text) ||
		linkRe.MatchString(text) ||
		headingRe.MatchString(text) ||
		blockquoteRe.MatchString(text) ||
		ulRe.MatchString(text) ||
		olRe.MatchString(text)

	if !hasFormatting {
		return msg
	}

	// Step 2: Extract code into placeholders so its content is left alone.
	var codeBlocks []codeBlock
	processed = codeBlockRe.ReplaceAllStringFunc(processed, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		idx := len(codeBlocks)
		codeBlocks = append(codeBlocks, codeBlock{lang: parts[1], content: parts[2]})
		return "\x00CODEBLOCK" + strconv.Itoa(idx) + "\x00"
	})
	var inlineCode []string
	processed = codeRe.ReplaceAllStringFunc(processed, func(match string) string {
		idx := len(inlineCode)
		inlineCode = append(inlineCode, codeRe.FindStringSubmatch(match)[1])
		return "\x00CODE" + strconv.Itoa(idx) + "\x00"
	})

	// Step 3: Process line-by-line for structural elements on raw text.
	lines := strings.Split(processed, "\n")
	var result []string
	var listType string // "ul", "ol", or ""
	var listItems []string

	flushList := func() {
		if len(listItems) == 0 {
			return
		}
		result = append(result, "<"+listType+">"+strings.Join(listItems, "")+"</"+listType+">")
		listItems = nil
		listType = ""
	}

	for _, line := range lines {
		if m := blockquoteRe.FindStringSubmatch(line); len(m) >= 2 {
			flushList()
			result = append(result, "<blockquote>"+html.EscapeString(m[1])+"</blockquote>")
			continue
		}

		if m := headingRe.FindStringSubmatch(line); len(m) >= 3 {
			flushList()
			lvl := strconv.Itoa(len(m[1]))
			result = append(result, "<h"+lvl+">"+html.EscapeString(m[2])+"</h"+lvl+">")
			continue
		}

		if m := ulRe.FindStringSubmatch(line); len(m) >= 2 {
			if listType != "ul" {
				flushList()
				listType = "ul"
			}
			listItems = append(listItems, "<li>"+html.EscapeString(m[1])+"</li>")
			continue
		}

		if m := olRe.FindStringSubmatch(line); len(m) >= 2 {
			if listType != "ol" {
				flushList()
				listType = "ol"
			}
			listItems = append(listItems, "<li>"+html.EscapeString(m[1])+"</li>")
			continue
		}

		flushList()
		result = append(result, html.EscapeString(line))
	}
	flushList()

	formatted := strings.Join(result, "\n")

	// Step 4: Inline formatting. Bold and underline go before their single
	// character counterparts.
	formatted = boldRe.ReplaceAllString(formatted, "<strong>$1</strong>")
	formatted = underlineRe.ReplaceAllString(formatted, "<u>$1</u>")
	formatted = italicStarRe.ReplaceAllString(formatted, "<em>$1</em>")
	formatted = italicUndRe.ReplaceAllString(formatted, "<em>$1</em>")
	formatted = strikeRe.ReplaceAllString(formatted, "<del>$1</del>")
	formatted = spoilerRe.ReplaceAllString(formatted, "<span data-mx-spoiler>$1</span>")

	// Links: only allow safe URL schemes.
	formatted = linkRe.ReplaceAllStringFunc(formatted, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		label, href := parts[1], parts[2]
		lower := strings.ToLower(strings.TrimSpace(href))
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "mailto:") {
			return `<a href="` + href + `">` + label + `</a>`
		}
		return label
	})

	// Step 5: Restore code and tokens.
	for i, code := range inlineCode {
		formatted = strings.Replace(formatted, "\x00CODE"+strconv.Itoa(i)+"\x00", "<code>"+html.EscapeString(code)+"</code>", 1)
	}
	for i, cb := range codeBlocks {
		placeholder := "\x00CODEBLOCK" + strconv.Itoa(i) + "\x00"
		escapedContent := html.EscapeString(cb.content)
		var replacement string
		if cb.lang != "" {
			replacement = `<pre><code class="language-` + html.EscapeString(cb.lang) + `">` + escapedContent + `</code></pre>`
		} else {
			replacement = `<pre><code>` + escapedContent + `</code></pre>`
		}
		formatted = strings.Replace(formatted, placeholder, replacement, 1)
	}
	for i, tok := range tokens {
		formatted = strings.Replace(formatted, "\x00TOKEN"+strconv.Itoa(i)+"\x00", tok.html, 1)
	}

	// Step 6: Paragraphs and line breaks.
	formatted = strings.ReplaceAll(formatted, "\n\n", "</p><p>")
	formatted = strings.ReplaceAll(formatted, "\n", "<br/>")
	if strings.Contains(formatted, "</p><p>") {
		formatted = "<p>" + formatted + "</p>"
	}

	if len(tokens) > 0 {
		var b strings.Builder
		last := 0
		for i, loc := range anyTokenRe.FindAllStringIndex(text, -1) {
			b.WriteString(text[last:loc[0]])
			b.WriteString(tokens[i].body)
			last = loc[1]
		}
		b.WriteString(text[last:])
		msg.Body = b.String()
	}
	msg.Format = event.FormatHTML
	msg.FormattedBody = formatted
	return msg
}

func resolveToken(match string, res *Resolver, msg *ParsedMessage) token {
	fallback := token{body: match, html: html.EscapeString(match)}
	switch {
	case roleTokenRe.MatchString(match):
		if res.Role == nil {
			return fallback
		}
		name, ok := res.Role(roleTokenRe.FindStringSubmatch(match)[1])
		if !ok {
			return fallback
		}
		return token{body: "@" + name, html: "@" + html.EscapeString(name)}
	case userTokenRe.MatchString(match):
		if res.User == nil {
			return fallback
		}
		userID, name, ok := res.User(userTokenRe.FindStringSubmatch(match)[1])
		if !ok {
			return fallback
		}
		msg.Mentions = append(msg.Mentions, userID)
		return token{
			body: name,
			html: `<a href="` + matrixToPrefix + string(userID) + `">` + html.EscapeString(name) + `</a>`,
		}
	case channelTokenRe.MatchString(match):
		if res.Channel == nil {
			return fallback
		}
		name, alias, ok := res.Channel(channelTokenRe.FindStringSubmatch(match)[1])
		if !ok {
			return fallback
		}
		if alias == "" {
			return token{body: "#" + name, html: "#" + html.EscapeString(name)}
		}
		return token{
			body: "#" + name,
			html: `<a href="` + matrixToPrefix + string(alias) + `">#` + html.EscapeString(name) + `</a>`,
		}
	case emojiTokenRe.MatchString(match):
		parts := emojiTokenRe.FindStringSubmatch(match)
		animated, name, emojiID := parts[1] == "a", parts[2], parts[3]
		shortcode := ":" + name + ":"
		if res.Emoji == nil {
			return token{body: shortcode, html: html.EscapeString(shortcode)}
		}
		mxc, ok := res.Emoji(emojiID, name, animated)
		if !ok {
			return token{body: shortcode, html: html.EscapeString(shortcode)}
		}
		return token{
			body: shortcode,
			html: `<img data-mx-emoticon src="` + string(mxc) + `" alt="` + shortcode +
				`" title="` + shortcode + `" height="32" />`,
		}
	}
	return fallback
}

// FormatEdit renders an edit of a Discord message as a new Matrix message
// showing the old text struck through.
func FormatEdit(oldText, newText string, res *Resolver) *ParsedMessage {
	return ParseWithResolver("*edit:* ~~"+oldText+"~~ -> "+newText, res)
}
