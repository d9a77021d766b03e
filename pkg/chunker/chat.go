package chunker

import (
	"strings"
	"time"

	"github.com/quka-ai/conhub/pkg/types"
)

const unknownAuthor = "unknown"

// chat groups consecutive messages into overlapping windows. Items without
// structured messages are treated as one message per non-empty line.
func (c *Chunker) chat(item *types.SourceItem) []segment {
	msgs := item.Messages
	if len(msgs) == 0 {
		msgs = linesAsMessages(item.Content)
	}
	msgs = nonEmptyMessages(msgs)

	var out []segment
	for _, w := range windows(len(msgs), c.cfg.ChatWindow, c.cfg.ChatOverlap) {
		group := msgs[w.start:w.end]
		meta := messageWindowMeta(group, w)
		out = append(out, segment{
			content:   formatMessages(group),
			blockType: types.BLOCK_CHAT,
			meta:      meta,
		})
	}
	return out
}

func linesAsMessages(content string) []types.Message {
	var out []types.Message
	for _, line := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, types.Message{Text: line})
	}
	return out
}

func nonEmptyMessages(in []types.Message) []types.Message {
	out := make([]types.Message, 0, len(in))
	for _, m := range in {
		if strings.TrimSpace(m.Text) != "" {
			out = append(out, m)
		}
	}
	return out
}

// formatMessages renders one "author: text" line per message. Messages built
// from raw lines carry no author and are kept verbatim.
func formatMessages(msgs []types.Message) string {
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteByte('\n')
		}
		text := strings.TrimSpace(m.Text)
		if m.Author == "" && m.Timestamp.IsZero() {
			sb.WriteString(text)
			continue
		}
		author := m.Author
		if author == "" {
			author = unknownAuthor
		}
		sb.WriteString(author)
		sb.WriteString(": ")
		sb.WriteString(text)
	}
	return sb.String()
}

func messageWindowMeta(group []types.Message, w span) types.Metadata {
	meta := types.Metadata{
		types.META_MESSAGE_START: w.start,
		types.META_MESSAGE_END:   w.end - 1,
		types.META_MESSAGE_COUNT: len(group),
	}
	var authors []string
	seen := map[string]bool{}
	for _, m := range group {
		if m.Author == "" || seen[m.Author] {
			continue
		}
		seen[m.Author] = true
		authors = append(authors, m.Author)
	}
	if len(authors) > 0 {
		meta[types.META_AUTHORS] = authors
	}
	if first, last := group[0].Timestamp, group[len(group)-1].Timestamp; !first.IsZero() && !last.IsZero() {
		meta[types.META_STARTED_AT] = first.UTC().Format(time.RFC3339)
		meta[types.META_ENDED_AT] = last.UTC().Format(time.RFC3339)
	}
	return meta
}
