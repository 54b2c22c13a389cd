// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrixfmt

import (
	"strings"
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func htmlContent(body string) *event.MessageEventContent {
	return &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          "fallback",
		Format:        event.FormatHTML,
		FormattedBody: body,
	}
}

func TestParseNilContent(t *testing.T) {
	t.Parallel()
	if result := Parse(nil); result != "" {
		t.Errorf("nil content: got %q, want empty", result)
	}
}

func TestParsePlainText(t *testing.T) {
	t.Parallel()
	content := &event.MessageEventContent{Body: "hello world"}
	if result := Parse(content); result != "hello world" {
		t.Errorf("plain text: got %q, want %q", result, "hello world")
	}
}

func TestParseNoFormat(t *testing.T) {
	t.Parallel()
	content := &event.MessageEventContent{
		Body:          "plain",
		FormattedBody: "<b>ignored</b>",
	}
	if result := Parse(content); result != "plain" {
		t.Errorf("no format: got %q, want %q", result, "plain")
	}
}

func TestParseEmptyFormattedBody(t *testing.T) {
	t.Parallel()
	if result := Parse(htmlContent("")); result != "fallback" {
		t.Errorf("empty formatted body: got %q, want %q", result, "fallback")
	}
}

func TestParseInline(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"strong", "<strong>bold</strong>", "**bold**"},
		{"b", "<b>bold</b>", "**bold**"},
		{"em", "<em>italic</em>", "*italic*"},
		{"i", "<i>italic</i>", "*italic*"},
		{"underline", "<u>under</u>", "__under__"},
		{"del", "<del>gone</del>", "~~gone~~"},
		{"strike", "<strike>gone</strike>", "~~gone~~"},
		{"spoiler", "<span data-mx-spoiler>secret</span>", "||secret||"},
		{"spoiler with reason", `<span data-mx-spoiler="plot">secret</span>`, "||secret||"},
		{"code", "<code>x := 1</code>", "`x := 1`"},
		{"entities", "a &amp; b &lt;c&gt;", "a & b <c>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Parse(htmlContent(tt.in)); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseCodeBlock(t *testing.T) {
	t.Parallel()
	got := Parse(htmlContent(`<pre><code class="language-go">fmt.Println()</code></pre>`))
	want := "```go\nfmt.Println()\n```"
	if got != want {
		t.Errorf("code block: got %q, want %q", got, want)
	}
}

func TestParseLink(t *testing.T) {
	t.Parallel()
	got := Parse(htmlContent(`<a href="https://example.com">Example</a>`))
	if got != "[Example](https://example.com)" {
		t.Errorf("link: got %q", got)
	}
	got = Parse(htmlContent(`<a href="https://example.com">https://example.com</a>`))
	if got != "https://example.com" {
		t.Errorf("bare link: got %q", got)
	}
}

func TestParsePills(t *testing.T) {
	t.Parallel()
	ghosts := func(userID id.UserID) (string, bool) {
		if userID == "@_discord_12345:localhost" {
			return "12345", true
		}
		return "", false
	}
	content := htmlContent(`Hi <a href="https://matrix.to/#/@_discord_12345:localhost">Alice</a> and ` +
		`<a href="https://matrix.to/#/@bob:localhost">Bob</a>`)
	got := ParseWithPills(content, ghosts)
	want := "Hi <@12345> and [Bob](https://matrix.to/#/@bob:localhost)"
	if got != want {
		t.Errorf("pills: got %q, want %q", got, want)
	}
}

func TestParseHeadingCapped(t *testing.T) {
	t.Parallel()
	if got := Parse(htmlContent("<h1>Title</h1>")); got != "# Title" {
		t.Errorf("h1: got %q", got)
	}
	if got := Parse(htmlContent("<h5>Deep</h5>")); got != "### Deep" {
		t.Errorf("h5: got %q", got)
	}
}

func TestParseBlockquote(t *testing.T) {
	t.Parallel()
	got := Parse(htmlContent("<blockquote><p>one</p><p>two</p></blockquote>"))
	if got != "> one\n> two" {
		t.Errorf("blockquote: got %q", got)
	}
}

func TestParseLists(t *testing.T) {
	t.Parallel()
	got := Parse(htmlContent("<ul><li>a</li><li>b</li></ul>"))
	if got != "- a\n- b" {
		t.Errorf("ul: got %q", got)
	}
	got = Parse(htmlContent(`<ol start="3"><li>c</li><li>d</li></ol>`))
	if got != "3. c\n4. d" {
		t.Errorf("ol: got %q", got)
	}
}

func TestParseStripsReplyFallback(t *testing.T) {
	t.Parallel()
	got := Parse(htmlContent("<mx-reply><blockquote>quoted</blockquote></mx-reply>answer"))
	if got != "answer" {
		t.Errorf("reply: got %q", got)
	}
}

func TestParseLineBreakAndTags(t *testing.T) {
	t.Parallel()
	got := Parse(htmlContent(`line1<br/>line2 <font color="red">red</font>`))
	if got != "line1\nline2 red" {
		t.Errorf("br: got %q", got)
	}
	if strings.Contains(got, "<") {
		t.Errorf("tags left behind: %q", got)
	}
}
