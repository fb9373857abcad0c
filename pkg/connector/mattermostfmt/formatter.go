// Copyright 2024-2026 Aiku AI

// Package mattermostfmt converts Mattermost markdown to the HTML subset
// accepted by the Telegram Bot API.
package mattermostfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

var (
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe     = regexp.MustCompile(`(^|[^*\w])_(.+?)_([^*\w]|$)`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	codeRe       = regexp.MustCompile("`([^`\\n]+)`")
	codeBlockRe  = regexp.MustCompile("(?s)```(\\w+)?\\n?(.*?)```")
	linkRe       = regexp.MustCompile(`\[([^\]\n]+)\]\(([^)\s<>"\x00]+)\)`)
	headingRe    = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	ulRe         = regexp.MustCompile(`^[-*]\s+(.+)$`)
	olRe         = regexp.MustCompile(`^(\d+)\.\s+(.+)$`)
	blockquoteRe = regexp.MustCompile(`^>\s+(.+)$`)
)

// codeBlock holds extracted code block data.
type codeBlock struct {
	lang    string
	content string
}

func codePlaceholder(i int) string {
	return "\x00CODEBLOCK" + strconv.Itoa(i) + "\x00"
}

func spanPlaceholder(i int) string {
	return "\x00SPAN" + strconv.Itoa(i) + "\x00"
}

// Parse converts a Mattermost markdown message to Telegram HTML. All text is
// escaped; only the tags Telegram understands are emitted. Line breaks are
// kept as newlines.
func Parse(text string) string {
	if text == "" {
		return ""
	}

	// Step 1: Extract code blocks into placeholders so their content is not
	// formatted.
	var codeBlocks []codeBlock
	processed := codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		idx := len(codeBlocks)
		codeBlocks = append(codeBlocks, codeBlock{lang: parts[1], content: parts[2]})
		return codePlaceholder(idx)
	})

	// Step 2: Structural elements line by line. Telegram has no headings or
	// lists, so headings become bold lines and list items get a bullet.
	lines := strings.Split(processed, "\n")
	for i, line := range lines {
		switch {
		case blockquoteRe.MatchString(line):
			m := blockquoteRe.FindStringSubmatch(line)
			lines[i] = "<blockquote>" + html.EscapeString(m[1]) + "</blockquote>"
		case headingRe.MatchString(line):
			m := headingRe.FindStringSubmatch(line)
			lines[i] = "<b>" + html.EscapeString(m[2]) + "</b>"
		case ulRe.MatchString(line):
			m := ulRe.FindStringSubmatch(line)
			lines[i] = "• " + html.EscapeString(m[1])
		case olRe.MatchString(line):
			m := olRe.FindStringSubmatch(line)
			lines[i] = m[1] + ". " + html.EscapeString(m[2])
		default:
			lines[i] = html.EscapeString(line)
		}
	}
	formatted := strings.Join(lines, "\n")

	// Step 3: Inline code and links are set aside so emphasis markers inside
	// them stay literal.
	var spans []string
	protect := func(span string) string {
		spans = append(spans, span)
		return spanPlaceholder(len(spans) - 1)
	}
	formatted = codeRe.ReplaceAllStringFunc(formatted, func(match string) string {
		return protect("<code>" + codeRe.FindStringSubmatch(match)[1] + "</code>")
	})
	// Only safe URL schemes become anchors.
	formatted = linkRe.ReplaceAllStringFunc(formatted, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		label, href := parts[1], parts[2]
		lower := strings.ToLower(strings.TrimSpace(href))
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "mailto:") {
			return protect(`<a href="` + href + `">` + label + `</a>`)
		}
		return protect(label)
	})

	// Step 4: Emphasis on the escaped text.
	formatted = boldRe.ReplaceAllString(formatted, "<b>$1</b>")
	formatted = italicRe.ReplaceAllString(formatted, "$1<i>$2</i>$3")
	formatted = strikeRe.ReplaceAllString(formatted, "<s>$1</s>")

	for i, span := range spans {
		formatted = strings.Replace(formatted, spanPlaceholder(i), span, 1)
	}

	// Step 5: Restore code blocks with language hints.
	for i, cb := range codeBlocks {
		content := html.EscapeString(strings.TrimSuffix(cb.content, "\n"))
		var replacement string
		if cb.lang != "" {
			replacement = `<pre><code class="language-` + cb.lang + `">` + content + `</code></pre>`
		} else {
			replacement = `<pre>` + content + `</pre>`
		}
		formatted = strings.Replace(formatted, codePlaceholder(i), replacement, 1)
	}

	return formatted
}
