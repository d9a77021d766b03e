package chunker

import (
	"strings"

	"github.com/quka-ai/conhub/pkg/codeparse"
	"github.com/quka-ai/conhub/pkg/types"
)

const symbolKindPreamble = "preamble"

type codeBlock struct {
	startLine, endLine int // 1-based inclusive
	symbol             string
	kind               string
}

func itemLanguage(item *types.SourceItem) string {
	if item.Language != "" {
		return item.Language
	}
	if p := item.Metadata.String(types.META_PATH); p != "" {
		return codeparse.DetectLanguage(p)
	}
	return codeparse.DetectLanguage(item.ExternalID)
}

// code splits source files on top-level symbol boundaries. Files without a
// parser or without symbols are windowed; prose files found in repositories go
// through the document strategy.
func (c *Chunker) code(item *types.SourceItem) []segment {
	lang := itemLanguage(item)
	if codeparse.IsProse(lang) {
		return c.document(item)
	}

	content := strings.ReplaceAll(item.Content, "\r\n", "\n")
	file := codeparse.Parse(lang, content)
	top := file.TopLevel()
	if len(top) == 0 {
		return c.codeWindows(content, span{0, len(content)}, lang, c.cfg.CodeWindow, textBreak, types.Metadata{})
	}

	lines := strings.Split(content, "\n")
	offsets := lineOffsets(lines)

	var blocks []codeBlock
	cursor := 1
	for _, sym := range top {
		if sym.StartLine > cursor {
			blocks = append(blocks, codeBlock{startLine: cursor, endLine: sym.StartLine - 1, kind: symbolKindPreamble})
		}
		end := sym.EndLine
		if end > len(lines) {
			end = len(lines)
		}
		blocks = append(blocks, codeBlock{startLine: sym.StartLine, endLine: end, symbol: sym.QualifiedName(), kind: string(sym.Kind)})
		cursor = end + 1
	}
	if cursor <= len(lines) {
		blocks = append(blocks, codeBlock{startLine: cursor, endLine: len(lines), kind: symbolKindPreamble})
	}

	var out []segment
	for _, b := range blocks {
		start := offsets[b.startLine-1]
		end := len(content)
		if b.endLine < len(lines) {
			end = offsets[b.endLine]
		}
		sp := trimSpan(content, span{start, end})
		if sp.start == sp.end {
			continue
		}
		meta := types.Metadata{}
		if b.symbol != "" {
			meta[types.META_SYMBOL] = b.symbol
		}
		meta[types.META_SYMBOL_KIND] = b.kind

		if sp.end-sp.start <= c.cfg.CodeMaxChars {
			out = append(out, codeSegment(content, sp, lang, meta))
			continue
		}
		out = append(out, c.codeWindows(content, sp, lang, c.cfg.CodeMaxChars, codeBreak, meta)...)
	}
	return out
}

// codeWindows windows the region of content, keeping line numbers relative to
// the whole file.
func (c *Chunker) codeWindows(content string, region span, lang string, size int, brk breakFunc, meta types.Metadata) []segment {
	body := content[region.start:region.end]
	var out []segment
	for _, sp := range slidingWindow(body, size, c.cfg.CodeOverlap, brk) {
		sp = trimSpan(body, sp)
		if sp.start == sp.end {
			continue
		}
		out = append(out, codeSegment(content, span{region.start + sp.start, region.start + sp.end}, lang, meta))
	}
	return out
}

func codeSegment(content string, sp span, lang string, meta types.Metadata) segment {
	m := meta.Clone()
	m[types.META_START_LINE] = lineAt(content, sp.start)
	m[types.META_END_LINE] = lineAt(content, sp.end)
	return segment{
		content:   content[sp.start:sp.end],
		blockType: types.BLOCK_CODE,
		language:  lang,
		meta:      m,
	}
}

func lineOffsets(lines []string) []int {
	offsets := make([]int, len(lines))
	pos := 0
	for i, l := range lines {
		offsets[i] = pos
		pos += len(l) + 1
	}
	return offsets
}
