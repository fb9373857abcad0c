// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package telegramfmt converts Telegram message entities to Mattermost
// markdown.
package telegramfmt

import (
	"cmp"
	"slices"
	"strings"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// marker is markup inserted at a UTF-16 offset of the message text.
type marker struct {
	pos     int
	text    string
	closing bool
	index   int
}

// markup returns the markdown around an entity of the given type. Entity
// types Mattermost cannot show are reported as not ok.
func markup(e tgbotapi.MessageEntity) (open, end string, ok bool) {
	switch e.Type {
	case "bold":
		return "**", "**", true
	case "italic":
		return "_", "_", true
	case "strikethrough":
		return "~~", "~~", true
	case "code":
		return "`", "`", true
	case "pre":
		return "```" + e.Language + "\n", "\n```", true
	case "text_link":
		lower := strings.ToLower(strings.TrimSpace(e.URL))
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "mailto:") {
			return "[", "](" + e.URL + ")", true
		}
	}
	return "", "", false
}

// trimSpace shrinks an emphasis entity so it does not start or end with a
// space, which markdown would not render.
func trimSpace(units []uint16, offset, length int) (int, int) {
	for length > 0 && isSpace(units[offset]) {
		offset++
		length--
	}
	for length > 0 && isSpace(units[offset+length-1]) {
		length--
	}
	return offset, length
}

func isSpace(u uint16) bool {
	return u == ' ' || u == '\n' || u == '\t'
}

// Parse renders text with its entities as Mattermost markdown. Entity offsets
// and lengths are in UTF-16 code units as sent by Telegram. Entities that are
// out of range or have no markdown equivalent are ignored.
func Parse(text string, entities []tgbotapi.MessageEntity) string {
	if len(entities) == 0 {
		return text
	}
	units := utf16.Encode([]rune(text))

	var markers []marker
	for i, e := range entities {
		open, closing, ok := markup(e)
		if !ok || e.Offset < 0 || e.Length <= 0 || e.Length > len(units)-e.Offset {
			continue
		}
		offset, length := e.Offset, e.Length
		if e.Type != "pre" && e.Type != "code" {
			offset, length = trimSpace(units, offset, length)
			if length == 0 {
				continue
			}
		}
		markers = append(markers,
			marker{pos: offset, text: open, index: i},
			marker{pos: offset + length, text: closing, closing: true, index: i},
		)
	}
	if len(markers) == 0 {
		return text
	}

	// At the same position, entities close before others open. Nested
	// entities close in reverse order of opening.
	slices.SortStableFunc(markers, func(a, b marker) int {
		if a.pos != b.pos {
			return cmp.Compare(a.pos, b.pos)
		}
		if a.closing != b.closing {
			if a.closing {
				return -1
			}
			return 1
		}
		if a.closing {
			return cmp.Compare(b.index, a.index)
		}
		return cmp.Compare(a.index, b.index)
	})

	var sb strings.Builder
	last := 0
	for _, m := range markers {
		sb.WriteString(string(utf16.Decode(units[last:m.pos])))
		sb.WriteString(m.text)
		last = m.pos
	}
	sb.WriteString(string(utf16.Decode(units[last:])))
	return sb.String()
}
