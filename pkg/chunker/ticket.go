package chunker

import (
	"fmt"
	"strings"

	"github.com/quka-ai/conhub/pkg/types"
)

const (
	ticketChunkHeader       = "header"
	ticketChunkConversation = "conversation"
)

// ticket emits the header (title, key metadata, description) first, split on
// paragraph breaks when it exceeds TicketMaxChars, followed by overlapping
// groups of comments and reviews.
func (c *Chunker) ticket(item *types.SourceItem) []segment {
	var out []segment
	for i, part := range c.headerParts(ticketHeader(item)) {
		out = append(out, segment{
			content:   part,
			blockType: types.BLOCK_TICKET_HEADER,
			meta: types.Metadata{
				types.META_CHUNK_TYPE:  ticketChunkHeader,
				types.META_HEADER_PART: i,
			},
		})
	}

	msgs := nonEmptyMessages(item.Messages)
	for _, w := range windows(len(msgs), c.cfg.TicketWindow, c.cfg.TicketOverlap) {
		group := msgs[w.start:w.end]
		meta := messageWindowMeta(group, w)
		meta[types.META_CHUNK_TYPE] = ticketChunkConversation
		meta[types.META_PARENT_KIND] = string(types.BLOCK_TICKET_HEADER)
		out = append(out, segment{
			content:   formatMessages(group),
			blockType: types.BLOCK_TICKET_CONVERSATION,
			meta:      meta,
		})
	}
	return out
}

func ticketHeader(item *types.SourceItem) string {
	var sb strings.Builder
	if item.Title != "" {
		sb.WriteString("# ")
		sb.WriteString(strings.TrimSpace(item.Title))
		sb.WriteByte('\n')
	}
	for _, f := range []struct{ label, key string }{
		{"Type", types.META_TICKET_TYPE},
		{"Number", types.META_ISSUE_NUMBER},
		{"State", types.META_STATE},
		{"Author", types.META_AUTHOR},
		{"Repository", types.META_REPOSITORY},
	} {
		if v := item.Metadata.String(f.key); v != "" {
			fmt.Fprintf(&sb, "%s: %s\n", f.label, v)
		}
	}
	if tags := item.Metadata.Strings(types.META_TAGS); len(tags) > 0 {
		fmt.Fprintf(&sb, "Labels: %s\n", strings.Join(tags, ", "))
	}
	if desc := strings.TrimSpace(strings.ReplaceAll(item.Content, "\r\n", "\n")); desc != "" {
		sb.WriteByte('\n')
		sb.WriteString(desc)
	}
	return strings.TrimSpace(sb.String())
}

// headerParts packs paragraphs of header into parts of at most
// TicketMaxChars; a single paragraph above the cap is windowed.
func (c *Chunker) headerParts(header string) []string {
	if header == "" {
		return nil
	}
	if len(header) <= c.cfg.TicketMaxChars {
		return []string{header}
	}
	var (
		out []string
		cur []string
		n   int
	)
	flush := func() {
		if len(cur) > 0 {
			out = append(out, strings.Join(cur, "\n\n"))
		}
		cur, n = nil, 0
	}
	for _, p := range paragraphs(header, false) {
		text := header[p.start:p.end]
		if len(text) > c.cfg.TicketMaxChars {
			flush()
			for _, w := range slidingWindow(text, c.cfg.TicketMaxChars, c.cfg.TextOverlap, textBreak) {
				if w = trimSpan(text, w); w.start < w.end {
					out = append(out, text[w.start:w.end])
				}
			}
			continue
		}
		if n > 0 && n+2+len(text) > c.cfg.TicketMaxChars {
			flush()
		}
		if n > 0 {
			n += 2
		}
		cur = append(cur, text)
		n += len(text)
	}
	flush()
	return out
}
