// Copyright 2024-2026 Aiku AI

package matrixfmt

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Member is a Discord guild member that may be mentioned by name.
type Member struct {
	ID            string
	Username      string
	Discriminator string
	Nickname      string
	GlobalName    string
}

// urlRe marks spans where names must not be turned into mentions.
var urlRe = regexp.MustCompile(`(?i)(?:https?://|www\.)\S*`)

type mentionCandidate struct {
	name  string
	runes int
	id    string
}

func mentionCandidates(members []Member) []mentionCandidate {
	var out []mentionCandidate
	add := func(name, id string) {
		if strings.TrimSpace(name) == "" {
			return
		}
		out = append(out, mentionCandidate{name: name, runes: utf8.RuneCountInString(name), id: id})
	}
	for _, m := range members {
		if m.Discriminator != "" && m.Discriminator != "0" {
			add(m.Username+"#"+m.Discriminator, m.ID)
		}
		add(m.Nickname, m.ID)
		add(m.GlobalName, m.ID)
		add(m.Username, m.ID)
	}
	// Longest first so that "TestNickname" wins over "Test" at the same position.
	sort.SliceStable(out, func(i, j int) bool { return out[i].runes > out[j].runes })
	return out
}

func isMentionBoundary(r rune) bool {
	return unicode.IsSpace(r) || strings.ContainsRune(":#`,.!?;()[]{}\"'*_~|<>", r)
}

// FindMentions replaces member names in a plain-text body with Discord
// mentions. At each position the longest name matches, comparison ignores
// case, a leading "@" is consumed and text inside URLs is left alone.
func FindMentions(body string, members []Member) string {
	if body == "" || len(members) == 0 {
		return body
	}
	candidates := mentionCandidates(members)
	urls := urlRe.FindAllStringIndex(body, -1)
	inURL := func(pos int) bool {
		for _, span := range urls {
			if pos >= span[0] && pos < span[1] {
				return true
			}
		}
		return false
	}

	var out strings.Builder
	prev := rune(-1)
	for i := 0; i < len(body); {
		r, size := utf8.DecodeRuneInString(body[i:])
		atBoundary := prev == -1 || isMentionBoundary(prev)
		if atBoundary && !inURL(i) {
			start := i
			if r == '@' {
				start = i + size
			}
			if c, end, ok := matchCandidate(body, start, candidates); ok {
				out.WriteString("<@!" + c.id + ">")
				last, _ := utf8.DecodeLastRuneInString(body[:end])
				prev = last
				i = end
				continue
			}
		}
		out.WriteRune(r)
		prev = r
		i += size
	}
	return out.String()
}

// matchCandidate finds the longest candidate starting at pos that is followed
// by a boundary or the end of the body.
func matchCandidate(body string, pos int, candidates []mentionCandidate) (mentionCandidate, int, bool) {
	for _, c := range candidates {
		end := pos
		for n := 0; n < c.runes; n++ {
			if end >= len(body) {
				end = -1
				break
			}
			_, size := utf8.DecodeRuneInString(body[end:])
			end += size
		}
		if end < 0 || !strings.EqualFold(body[pos:end], c.name) {
			continue
		}
		if end < len(body) {
			next, _ := utf8.DecodeRuneInString(body[end:])
			if !isMentionBoundary(next) {
				continue
			}
		}
		return c, end, true
	}
	return mentionCandidate{}, 0, false
}
