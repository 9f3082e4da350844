// Package sanitize implements content sanitisation and server-side mention
// parsing for inbound chat messages (spec §4.7). Sanitisation strips
// dangerous HTML blocks and attributes before the content is ever persisted
// or broadcast; mention parsing then runs against the *sanitised* content so
// routing can never be steered by raw, unsanitised client input (invariant I5).
package sanitize

import (
	"regexp"
	"strings"
)

// buildDangerousBlockRegexes returns one compiled regex per dangerous tag
// name, since Go's regexp package has no backreference support to match an
// opening tag against its own closing tag generically.
func buildDangerousBlockRegexes() []*regexp.Regexp {
	tags := []string{"svg", "math", "script", "iframe", "object", "embed", "form"}
	res := make([]*regexp.Regexp, 0, len(tags))
	for _, tag := range tags {
		res = append(res, regexp.MustCompile(`(?is)<`+tag+`\b[^>]*>.*?</\s*`+tag+`\s*>|<`+tag+`\b[^>]*/\s*>`))
	}
	return res
}

var dangerousBlockRegexes = buildDangerousBlockRegexes()

// eventHandlerAttr matches on="..." / on='...' / on=bareword event-handler
// attributes on any tag (onclick, onerror, onload, ...).
var eventHandlerAttr = regexp.MustCompile(`(?is)\s+on[a-z]+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)

// dangerousScheme matches the scheme prefix of javascript:, vbscript:, and
// data:text/html URLs — each can execute code when placed in an href/src.
var dangerousScheme = regexp.MustCompile(`(?i)(javascript|vbscript)\s*:|data\s*:\s*text/html`)

// genericTag matches any remaining HTML tag once the dangerous blocks and
// attributes above have been removed. Prose that merely contains the words
// "script" or "iframe" outside of angle brackets is left untouched — only
// actual tag syntax is stripped.
var genericTag = regexp.MustCompile(`(?s)<[^>]*>`)

var htmlEntityReplacer = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&amp;", "&",
	"&quot;", "\"",
	"&#39;", "'",
	"&#x2F;", "/",
)

// Content runs the full sanitisation pipeline on raw message content and
// returns the content that is safe to persist and broadcast.
//
// Order matters: dangerous blocks are removed first (while the markup is
// still intact, so the tag-matching regexes see real tags), then
// event-handler attributes and dangerous URL schemes are neutralised, then
// entities are decoded, and finally any remaining generic tag syntax is
// stripped. Prose discussing these keywords outside of tag syntax survives
// every stage.
func Content(raw string) string {
	s := raw
	for _, re := range dangerousBlockRegexes {
		s = re.ReplaceAllString(s, "")
	}
	s = eventHandlerAttr.ReplaceAllString(s, "")
	s = dangerousScheme.ReplaceAllStringFunc(s, func(m string) string {
		return "blocked:"
	})
	s = htmlEntityReplacer.Replace(s)
	s = genericTag.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// mentionToken matches an @name token. Names are restricted to the
// characters an agent Name may contain — letters, digits, underscore and
// hyphen — so punctuation in ordinary prose ("email me @ 5pm") never
// parses as a mention attempt.
var mentionToken = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)

// ParseMentions extracts @name tokens from sanitised content and resolves
// each to an agent name registered in the room, case-insensitively. The
// returned list preserves the order tokens appear in content and contains
// each resolved agent name at most once. Tokens with no matching agent in
// the room are ignored — "@" followed by text that happens not to name a
// real agent is just prose, not a routing directive (spec §4.7 step 1).
//
// Tie-breaks are deterministic: the first roomAgentNames entry in list
// order that matches a token case-insensitively wins.
func ParseMentions(content string, roomAgentNames []string) []string {
	byLower := make(map[string]string, len(roomAgentNames))
	for _, name := range roomAgentNames {
		lower := strings.ToLower(name)
		if _, exists := byLower[lower]; !exists {
			byLower[lower] = name
		}
	}

	seen := make(map[string]bool)
	var mentions []string
	for _, m := range mentionToken.FindAllStringSubmatch(content, -1) {
		candidate := strings.ToLower(m[1])
		name, ok := byLower[candidate]
		if !ok {
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		mentions = append(mentions, name)
	}
	return mentions
}
