// Copyright 2025-2026 Aiku AI

// Package remotefmt renders remote service markup as Matrix HTML.
package remotefmt

import (
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

var (
	codeBlockRe  = regexp.MustCompile("(?s)```(\\w+)?\\n?(.*?)```")
	inlineCodeRe = regexp.MustCompile("`([^`\n]+)`")
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe     = regexp.MustCompile(`\*([^*\n]+)\*`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	headingRe    = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	bulletRe     = regexp.MustCompile(`^[-*]\s+(.+)$`)
	numberedRe   = regexp.MustCompile(`^\d+\.\s+(.+)$`)
	quoteRe      = regexp.MustCompile(`^>\s+(.+)$`)
)

// Parse converts a remote markup message to ready-to-send Matrix text
// content. Messages without markup get a plain body and no HTML.
func Parse(text string) *event.MessageEventContent {
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: text}
	if text == "" || !hasMarkup(text) {
		return content
	}
	formatted := render(text)
	if formatted == "" || formatted == html.EscapeString(text) {
		// Markup characters that did not form actual markup, a bare
		// asterisk for example. Nothing gained by attaching HTML.
		return content
	}
	content.Format = event.FormatHTML
	content.FormattedBody = formatted
	return content
}

func hasMarkup(text string) bool {
	if strings.ContainsAny(text, "*~`[") {
		return true
	}
	for _, line := range strings.Split(text, "\n") {
		if headingRe.MatchString(line) || bulletRe.MatchString(line) ||
			numberedRe.MatchString(line) || quoteRe.MatchString(line) {
			return true
		}
	}
	return false
}

// fragmentStash holds rendered HTML out of the later passes behind
// NUL-delimited placeholders.
type fragmentStash []string

func (fs *fragmentStash) stash(fragment string) string {
	*fs = append(*fs, fragment)
	return "\x00" + strconv.Itoa(len(*fs)-1) + "\x00"
}

func (fs fragmentStash) restore(text string) string {
	for i, fragment := range fs {
		text = strings.Replace(text, "\x00"+strconv.Itoa(i)+"\x00", fragment, 1)
	}
	return text
}

func render(text string) string {
	// NUL cannot appear in the input past this point, the stash
	// placeholders rely on that.
	text = strings.ReplaceAll(text, "\x00", "")

	// Code is stashed first so neither escaping nor inline passes
	// touch its content.
	var frags fragmentStash
	text = codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		code := html.EscapeString(strings.TrimSuffix(parts[2], "\n"))
		if lang := parts[1]; lang != "" {
			return frags.stash(`<pre><code class="language-` + html.EscapeString(lang) + `">` + code + `</code></pre>`)
		}
		return frags.stash("<pre><code>" + code + "</code></pre>")
	})
	text = inlineCodeRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := inlineCodeRe.FindStringSubmatch(match)
		return frags.stash("<code>" + html.EscapeString(parts[1]) + "</code>")
	})

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	var items []string
	ordered := false
	flush := func() {
		if len(items) == 0 {
			return
		}
		tag := "ul"
		if ordered {
			tag = "ol"
		}
		out = append(out, "<"+tag+">"+strings.Join(items, "")+"</"+tag+">")
		items = nil
	}

	for _, line := range lines {
		if m := quoteRe.FindStringSubmatch(line); m != nil {
			flush()
			out = append(out, "<blockquote>"+html.EscapeString(m[1])+"</blockquote>")
			continue
		}
		if m := headingRe.FindStringSubmatch(line); m != nil {
			flush()
			lvl := strconv.Itoa(len(m[1]))
			out = append(out, "<h"+lvl+">"+html.EscapeString(m[2])+"</h"+lvl+">")
			continue
		}
		if m := bulletRe.FindStringSubmatch(line); m != nil {
			if len(items) > 0 && ordered {
				flush()
			}
			ordered = false
			items = append(items, "<li>"+html.EscapeString(m[1])+"</li>")
			continue
		}
		if m := numberedRe.FindStringSubmatch(line); m != nil {
			if len(items) > 0 && !ordered {
				flush()
			}
			ordered = true
			items = append(items, "<li>"+html.EscapeString(m[1])+"</li>")
			continue
		}
		flush()
		out = append(out, html.EscapeString(line))
	}
	flush()
	text = strings.Join(out, "\n")

	text = boldRe.ReplaceAllString(text, "<strong>$1</strong>")
	text = italicRe.ReplaceAllString(text, "<em>$1</em>")
	text = strikeRe.ReplaceAllString(text, "<del>$1</del>")
	text = linkRe.ReplaceAllStringFunc(text, renderLink)

	if strings.Contains(text, "\n\n") {
		text = "<p>" + strings.ReplaceAll(text, "\n\n", "</p><p>") + "</p>"
	}
	text = strings.ReplaceAll(text, "\n", "<br/>")

	// Restoring last keeps literal newlines inside <pre> blocks.
	return frags.restore(text)
}

// renderLink keeps http, https and mailto links clickable and renders
// everything else, javascript: and data: included, as plain text.
func renderLink(match string) string {
	parts := linkRe.FindStringSubmatch(match)
	label, href := parts[1], parts[2]
	target, err := url.Parse(html.UnescapeString(href))
	if err != nil {
		return label
	}
	switch strings.ToLower(target.Scheme) {
	case "http", "https", "mailto":
		return `<a href="` + href + `">` + label + `</a>`
	}
	return label
}
