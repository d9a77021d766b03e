package chunker

import (
	"regexp"
	"strings"

	"github.com/quka-ai/conhub/pkg/codeparse"
	"github.com/quka-ai/conhub/pkg/types"
	"github.com/quka-ai/conhub/pkg/utils"
)

var headingPattern = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)

type paragraph struct {
	span
	headings []string
}

// document packs paragraphs into chunks of at most TextMaxChars. Paragraphs
// above the cap are split on sentence terminators, and sentences above the
// cap fall back to overlapping byte windows. Markdown headings always start a
// new chunk and are recorded as the chunk's heading path.
func (c *Chunker) document(item *types.SourceItem) []segment {
	content := strings.ReplaceAll(item.Content, "\r\n", "\n")
	markdown := itemLanguage(item) == codeparse.LangMarkdown

	var spans []paragraph
	for _, p := range paragraphs(content, markdown) {
		if p.end-p.start <= c.cfg.TextMaxChars {
			spans = append(spans, p)
			continue
		}
		for _, sp := range c.splitSentences(content, p.span) {
			spans = append(spans, paragraph{span: sp, headings: p.headings})
		}
	}

	lang := item.Language
	if codeparse.IsProse(lang) {
		lang = ""
	}

	var out []segment
	flush := func(group []paragraph) {
		if len(group) == 0 {
			return
		}
		sp := span{group[0].start, group[len(group)-1].end}
		text := content[sp.start:sp.end]
		meta := types.Metadata{
			types.META_START_OFFSET: sp.start,
			types.META_END_OFFSET:   sp.end,
		}
		if len(group[0].headings) > 0 {
			meta[types.META_HEADING_PATH] = strings.Join(group[0].headings, " > ")
		}
		l := lang
		if l == "" {
			l = utils.WhatLang(text)
		}
		out = append(out, segment{content: text, blockType: types.BLOCK_TEXT, language: l, meta: meta})
	}

	var group []paragraph
	for _, p := range spans {
		if len(group) > 0 {
			first := group[0]
			fits := p.end-first.start <= c.cfg.TextMaxChars
			sameSection := strings.Join(p.headings, "\x00") == strings.Join(first.headings, "\x00")
			if !fits || !sameSection {
				flush(group)
				group = group[:0]
			}
		}
		group = append(group, p)
	}
	flush(group)
	return out
}

// paragraphs returns trimmed blank-line separated spans of content.
func paragraphs(content string, markdown bool) []paragraph {
	var (
		out      []paragraph
		headings []string
		levels   []int
		start    = -1
		end      int
		pos      int
		inFence  bool
	)
	closeParagraph := func() {
		if start >= 0 {
			sp := trimSpan(content, span{start, end})
			if sp.start < sp.end {
				out = append(out, paragraph{span: sp, headings: append([]string(nil), headings...)})
			}
		}
		start = -1
	}

	for _, line := range strings.SplitAfter(content, "\n") {
		lineStart := pos
		pos += len(line)
		trimmed := strings.TrimSpace(line)

		if markdown && strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
		}
		if markdown && !inFence {
			if m := headingPattern.FindStringSubmatch(trimmed); m != nil {
				closeParagraph()
				level := len(m[1])
				for len(levels) > 0 && levels[len(levels)-1] >= level {
					levels = levels[:len(levels)-1]
					headings = headings[:len(headings)-1]
				}
				levels = append(levels, level)
				headings = append(headings, m[2])
				start, end = lineStart, pos
				continue
			}
		}
		if trimmed == "" && !inFence {
			closeParagraph()
			continue
		}
		if start < 0 {
			start = lineStart
		}
		end = pos
	}
	closeParagraph()
	return out
}

// splitSentences breaks an oversized paragraph into sentence-aligned pieces
// of at most TextMaxChars, windowing any single sentence above the cap.
func (c *Chunker) splitSentences(content string, p span) []span {
	var out []span
	cur := span{p.start, p.start}
	for _, s := range sentences(content, p) {
		if s.end-s.start > c.cfg.TextMaxChars {
			if cur.end > cur.start {
				out = append(out, trimSpan(content, cur))
			}
			for _, w := range slidingWindow(content[s.start:s.end], c.cfg.TextMaxChars, c.cfg.TextOverlap, textBreak) {
				out = append(out, trimSpan(content, span{s.start + w.start, s.start + w.end}))
			}
			cur = span{s.end, s.end}
			continue
		}
		if s.end-cur.start > c.cfg.TextMaxChars && cur.end > cur.start {
			out = append(out, trimSpan(content, cur))
			cur = span{s.start, s.start}
		}
		cur.end = s.end
	}
	if cur.end > cur.start {
		out = append(out, trimSpan(content, cur))
	}
	return out
}

// sentences splits p after '.', '!' or '?' followed by whitespace, and after
// CJK full stops.
func sentences(content string, p span) []span {
	var out []span
	start := p.start
	text := content[p.start:p.end]
	for i := 0; i < len(text); i++ {
		cut := -1
		switch text[i] {
		case '.', '!', '?':
			if i+1 == len(text) || text[i+1] == ' ' || text[i+1] == '\n' || text[i+1] == '\t' {
				cut = i + 1
			}
		case '\n':
			if i+1 < len(text) && text[i+1] == '\n' {
				cut = i + 1
			}
		}
		if cut < 0 {
			for _, term := range []string{"。", "！", "？"} {
				if strings.HasPrefix(text[i:], term) {
					cut = i + len(term)
					break
				}
			}
		}
		if cut > 0 {
			out = append(out, span{start, p.start + cut})
			start = p.start + cut
		}
	}
	if start < p.end {
		out = append(out, span{start, p.end})
	}
	return out
}
