// Copyright 2024-2026 Aiku AI

package discordfmt

import "strings"

// zeroWidthSpace breaks "@everyone" so Matrix clients do not highlight it.
const zeroWidthSpace = "\u200b"

// FormatEmote detects a Discord "/me" action, which Discord sends as a
// message wrapped in a single pair of underscores, and returns its text.
func FormatEmote(text string) (string, bool) {
	if len(text) < 3 || !strings.HasPrefix(text, "_") || !strings.HasSuffix(text, "_") {
		return "", false
	}
	inner := text[1 : len(text)-1]
	if strings.Contains(inner, "_") || strings.TrimSpace(inner) == "" {
		return "", false
	}
	return inner, true
}

// NeutralizeBroadcasts defuses channel-wide pings in text relayed to Matrix.
func NeutralizeBroadcasts(text string, everyone, here bool) string {
	if everyone {
		text = strings.ReplaceAll(text, "@everyone", "@"+zeroWidthSpace+"everyone")
	}
	if here {
		text = strings.ReplaceAll(text, "@here", "@"+zeroWidthSpace+"here")
	}
	return text
}
