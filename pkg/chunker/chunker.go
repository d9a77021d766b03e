package chunker

import (
	"fmt"
	"strings"

	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/types"
)

type Config struct {
	CodeMaxChars   int `toml:"code_max_chars"`
	CodeOverlap    int `toml:"code_overlap"`
	CodeWindow     int `toml:"code_window"`
	TextMaxChars   int `toml:"text_max_chars"`
	TextOverlap    int `toml:"text_overlap"`
	ChatWindow     int `toml:"chat_window"`
	ChatOverlap    int `toml:"chat_overlap"`
	TicketMaxChars int `toml:"ticket_max_chars"`
	TicketWindow   int `toml:"ticket_window"`
	TicketOverlap  int `toml:"ticket_overlap"`
}

func DefaultConfig() Config {
	return Config{
		CodeMaxChars:   1500,
		CodeOverlap:    200,
		CodeWindow:     1000,
		TextMaxChars:   1000,
		TextOverlap:    200,
		ChatWindow:     15,
		ChatOverlap:    3,
		TicketMaxChars: 4000,
		TicketWindow:   5,
		TicketOverlap:  1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CodeMaxChars <= 0 {
		c.CodeMaxChars = d.CodeMaxChars
	}
	if c.CodeOverlap < 0 || c.CodeOverlap >= c.CodeMaxChars {
		c.CodeOverlap = d.CodeOverlap
	}
	if c.CodeWindow <= 0 {
		c.CodeWindow = d.CodeWindow
	}
	if c.TextMaxChars <= 0 {
		c.TextMaxChars = d.TextMaxChars
	}
	if c.TextOverlap < 0 || c.TextOverlap >= c.TextMaxChars {
		c.TextOverlap = d.TextOverlap
	}
	if c.ChatWindow <= 0 {
		c.ChatWindow = d.ChatWindow
	}
	if c.ChatOverlap < 0 || c.ChatOverlap >= c.ChatWindow {
		c.ChatOverlap = d.ChatOverlap
	}
	if c.TicketMaxChars <= 0 {
		c.TicketMaxChars = d.TicketMaxChars
	}
	if c.TicketWindow <= 0 {
		c.TicketWindow = d.TicketWindow
	}
	if c.TicketOverlap < 0 || c.TicketOverlap >= c.TicketWindow {
		c.TicketOverlap = d.TicketOverlap
	}
	return c
}

// segment is a strategy's output before identity and hashing are assigned.
type segment struct {
	content   string
	blockType types.BlockType
	language  string
	meta      types.Metadata
}

type strategy func(item *types.SourceItem) []segment

// Chunker splits SourceItems into content-addressed chunks. It holds no
// mutable state and is safe for concurrent use.
type Chunker struct {
	cfg        Config
	strategies map[types.ItemKind]strategy
}

func New(cfg Config) *Chunker {
	c := &Chunker{cfg: cfg.withDefaults()}
	c.strategies = map[types.ItemKind]strategy{
		types.ITEM_CODE_REPO: c.code,
		types.ITEM_DOCUMENT:  c.document,
		types.ITEM_WEB_PAGE:  c.document,
		types.ITEM_CHAT:      c.chat,
		types.ITEM_TICKET:    c.ticket,
	}
	return c
}

func (c *Chunker) Config() Config {
	return c.cfg
}

// Chunk is deterministic: the same item always yields byte-identical chunks.
// Items without content yield no chunks.
func (c *Chunker) Chunk(item *types.SourceItem) ([]*types.Chunk, error) {
	fn, ok := c.strategies[item.Kind]
	if !ok {
		return nil, errors.NewKind("Chunker.Chunk", errors.KindConfiguration, fmt.Sprintf("no chunking strategy for item kind %q", item.Kind), nil)
	}
	if isEmpty(item) {
		return nil, nil
	}

	segs := fn(item)
	chunks := make([]*types.Chunk, 0, len(segs))
	for _, seg := range segs {
		if strings.TrimSpace(seg.content) == "" {
			continue
		}
		index := len(chunks)
		meta := item.Metadata.Clone()
		for k, v := range seg.meta {
			meta[k] = v
		}
		if item.Title != "" {
			if _, ok := meta[types.META_TITLE]; !ok {
				meta[types.META_TITLE] = item.Title
			}
		}
		if item.MimeType != "" {
			if _, ok := meta[types.META_CONTENT_TYPE]; !ok {
				meta[types.META_CONTENT_TYPE] = item.MimeType
			}
		}
		if item.SourceUpdatedAt > 0 {
			meta[types.META_SOURCE_UPDATED] = item.SourceUpdatedAt
		}
		chunks = append(chunks, &types.Chunk{
			ChunkID:      types.ChunkID(item.ID, index),
			TenantID:     item.TenantID,
			SourceID:     item.SourceID,
			SourceItemID: item.ID,
			ChunkIndex:   index,
			Content:      seg.content,
			ContentHash:  types.ContentHash(seg.content),
			BlockType:    seg.blockType,
			Language:     seg.language,
			Metadata:     meta,
		})
	}
	return chunks, nil
}

func isEmpty(item *types.SourceItem) bool {
	if strings.TrimSpace(item.Content) != "" {
		return false
	}
	for _, m := range item.Messages {
		if strings.TrimSpace(m.Text) != "" {
			return false
		}
	}
	return item.Kind != types.ITEM_TICKET || strings.TrimSpace(item.Title) == ""
}
