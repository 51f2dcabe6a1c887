// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt flattens Matrix HTML into the plain markup dialect
// remote services understand.
package matrixfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

// rule rewrites one HTML construct into its markup form.
type rule struct {
	re   *regexp.Regexp
	repl string
}

// inlineRules run in order: reply fallbacks and code first so later
// passes cannot touch their content, mention pills before plain links so
// the pill rule wins.
var inlineRules = []rule{
	{regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`), ""},
	{regexp.MustCompile(`(?s)<pre><code(?: class="language-([^"]*)")?>(.*?)</code></pre>`), "```$1\n$2\n```"},
	{regexp.MustCompile("<code>(.*?)</code>"), "`$1`"},
	{regexp.MustCompile(`<(?:strong|b)>(.*?)</(?:strong|b)>`), "**$1**"},
	{regexp.MustCompile(`<(?:em|i)>(.*?)</(?:em|i)>`), "*$1*"},
	{regexp.MustCompile(`<(?:del|s|strike)>(.*?)</(?:del|s|strike)>`), "~~$1~~"},
	{regexp.MustCompile(`<a href="https://matrix\.to/#/[^"]*"[^>]*>(.*?)</a>`), "$1"},
	{regexp.MustCompile(`<a href="([^"]+)"[^>]*>(.*?)</a>`), "[$2]($1)"},
}

// cleanupRules run after the block passes, ending with the catch-all tag
// strip.
var cleanupRules = []rule{
	{regexp.MustCompile(`(?s)<p>(.*?)</p>`), "$1\n\n"},
	{regexp.MustCompile(`<br\s*/?>`), "\n"},
	{regexp.MustCompile(`<[^>]+>`), ""},
}

var (
	headingRe = regexp.MustCompile(`<h([1-6])>(.*?)</h[1-6]>`)
	quoteRe   = regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`)
	listRe    = regexp.MustCompile(`(?s)<(u|o)l>(.*?)</[uo]l>`)
	itemRe    = regexp.MustCompile(`<li>(.*?)</li>`)
)

// Parse converts Matrix message content to remote markup. Without an
// HTML formatted body the plain body passes through unchanged.
func Parse(content *event.MessageEventContent) string {
	if content == nil {
		return ""
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return content.Body
	}

	text := content.FormattedBody
	for _, r := range inlineRules {
		text = r.re.ReplaceAllString(text, r.repl)
	}
	text = headingRe.ReplaceAllStringFunc(text, flattenHeading)
	text = quoteRe.ReplaceAllStringFunc(text, flattenQuote)
	text = listRe.ReplaceAllStringFunc(text, flattenList)
	for _, r := range cleanupRules {
		text = r.re.ReplaceAllString(text, r.repl)
	}

	// The sender escaped entities for HTML, undo that exactly once after
	// all tags are gone.
	return strings.TrimSpace(html.UnescapeString(text))
}

func flattenHeading(match string) string {
	parts := headingRe.FindStringSubmatch(match)
	level, _ := strconv.Atoi(parts[1])
	return strings.Repeat("#", level) + " " + parts[2]
}

func flattenQuote(match string) string {
	body := quoteRe.FindStringSubmatch(match)[1]
	var quoted []string
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		quoted = append(quoted, "> "+strings.TrimSpace(line))
	}
	return strings.Join(quoted, "\n")
}

// flattenList renders <ul> items with dashes and <ol> items with their
// one-based position.
func flattenList(match string) string {
	parts := listRe.FindStringSubmatch(match)
	var items []string
	for i, item := range itemRe.FindAllStringSubmatch(parts[2], -1) {
		marker := "-"
		if parts[1] == "o" {
			marker = strconv.Itoa(i+1) + "."
		}
		items = append(items, marker+" "+strings.TrimSpace(item[1]))
	}
	return strings.Join(items, "\n")
}
