package chunker

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/types"
)

func newItem(kind types.ItemKind, externalID, content string) *types.SourceItem {
	return &types.SourceItem{
		ID:         types.SourceItemID("source-1", externalID),
		TenantID:   "tenant-1",
		SourceID:   "source-1",
		ExternalID: externalID,
		Kind:       kind,
		Content:    content,
		Metadata:   types.Metadata{types.META_PATH: externalID},
	}
}

func TestChunkPythonFunction(t *testing.T) {
	c := New(DefaultConfig())
	item := newItem(types.ITEM_CODE_REPO, "hello.py", `def greet(name): return f"hi {name}"`)

	chunks, err := c.Chunk(item)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	ch := chunks[0]
	assert.Equal(t, types.BLOCK_CODE, ch.BlockType)
	assert.Equal(t, "python", ch.Language)
	assert.Equal(t, types.ChunkID(item.ID, 0), ch.ChunkID)
	assert.Equal(t, types.ContentHash(ch.Content), ch.ContentHash)
	assert.Equal(t, "greet", ch.Metadata.String(types.META_SYMBOL))
	assert.Equal(t, 1, ch.Metadata.Int(types.META_START_LINE))
	assert.Equal(t, "hello.py", ch.Metadata.String(types.META_PATH), "item metadata is inherited")
	assert.Equal(t, "tenant-1", ch.TenantID)
}

func TestChunkCodeSplitsOnSymbols(t *testing.T) {
	src := `package demo

import "fmt"

func A() {
	fmt.Println("a")
}

func B() {
	fmt.Println("b")
}
`
	c := New(DefaultConfig())
	chunks, err := c.Chunk(newItem(types.ITEM_CODE_REPO, "demo.go", src))
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Equal(t, symbolKindPreamble, chunks[0].Metadata.String(types.META_SYMBOL_KIND))
	assert.Equal(t, "A", chunks[1].Metadata.String(types.META_SYMBOL))
	assert.Equal(t, 5, chunks[1].Metadata.Int(types.META_START_LINE))
	assert.Equal(t, 7, chunks[1].Metadata.Int(types.META_END_LINE))
	assert.Equal(t, "B", chunks[2].Metadata.String(types.META_SYMBOL))
	for i, ch := range chunks {
		assert.Equal(t, i, ch.ChunkIndex)
	}
}

func TestChunkOversizedFunctionIsWindowed(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("package demo\n\nfunc run() {\n")
	for i := 0; i < 120; i++ {
		fmt.Fprintf(&sb, "\tfmt.Println(\"line %03d\")\n", i)
	}
	sb.WriteString("}\n")

	c := New(DefaultConfig())
	chunks, err := c.Chunk(newItem(types.ITEM_CODE_REPO, "big.go", sb.String()))
	require.NoError(t, err)

	var fn []*types.Chunk
	for _, ch := range chunks {
		if ch.Metadata.String(types.META_SYMBOL) == "run" {
			fn = append(fn, ch)
		}
	}
	require.GreaterOrEqual(t, len(fn), 2)
	for _, ch := range fn {
		assert.LessOrEqual(t, len(ch.Content), 1500)
		assert.GreaterOrEqual(t, ch.Metadata.Int(types.META_END_LINE), ch.Metadata.Int(types.META_START_LINE))
	}
}

func TestChunkCodeWithoutParserFallsBackToWindows(t *testing.T) {
	c := New(DefaultConfig())
	chunks, err := c.Chunk(newItem(types.ITEM_CODE_REPO, "run.sh", "#!/bin/sh\necho hi\n"))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, types.BLOCK_CODE, chunks[0].BlockType)
	assert.Equal(t, "shell", chunks[0].Language)
}

func TestChunkDocumentPacksParagraphs(t *testing.T) {
	para := strings.TrimSpace(strings.Repeat("word ", 80))
	require.Len(t, para, 399)
	content := para + "\n\n" + para + "\n\n" + para

	c := New(DefaultConfig())
	chunks, err := c.Chunk(newItem(types.ITEM_DOCUMENT, "notes.txt", content))
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, para+"\n\n"+para, chunks[0].Content)
	assert.Equal(t, 0, chunks[0].Metadata.Int(types.META_START_OFFSET))
	assert.Equal(t, 800, chunks[0].Metadata.Int(types.META_END_OFFSET))
	assert.Equal(t, para, chunks[1].Content)
	assert.Equal(t, 802, chunks[1].Metadata.Int(types.META_START_OFFSET))
	for _, ch := range chunks {
		assert.Equal(t, types.BLOCK_TEXT, ch.BlockType)
	}
}

func TestChunkDocumentWindowsWithOverlap(t *testing.T) {
	content := strings.Repeat("abcdefghij", 250)

	c := New(DefaultConfig())
	chunks, err := c.Chunk(newItem(types.ITEM_DOCUMENT, "blob.txt", content))
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Len(t, chunks[0].Content, 1000)
	assert.Equal(t, chunks[0].Content[800:], chunks[1].Content[:200])
	assert.Equal(t, content[1600:], chunks[2].Content)
}

func TestChunkDocumentSplitsLongParagraphOnSentences(t *testing.T) {
	sentence := strings.Repeat("lorem ", 50) + "ipsum." // 306 bytes
	content := strings.TrimSpace(strings.Repeat(sentence+" ", 5))

	c := New(DefaultConfig())
	chunks, err := c.Chunk(newItem(types.ITEM_DOCUMENT, "long.txt", content))
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	for _, ch := range chunks {
		assert.LessOrEqual(t, len(ch.Content), 1000)
		assert.True(t, strings.HasSuffix(ch.Content, "ipsum."))
	}
}

func TestChunkMarkdownHeadings(t *testing.T) {
	item := newItem(types.ITEM_DOCUMENT, "README.md", "# Intro\n\nHello world.\n\n## Setup\n\nRun it.\n")
	c := New(DefaultConfig())
	chunks, err := c.Chunk(item)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, "# Intro\n\nHello world.", chunks[0].Content)
	assert.Equal(t, "Intro", chunks[0].Metadata.String(types.META_HEADING_PATH))
	assert.Equal(t, "## Setup\n\nRun it.", chunks[1].Content)
	assert.Equal(t, "Intro > Setup", chunks[1].Metadata.String(types.META_HEADING_PATH))
}

func TestChunkReadmeInRepositoryIsText(t *testing.T) {
	c := New(DefaultConfig())
	chunks, err := c.Chunk(newItem(types.ITEM_CODE_REPO, "README.md", "# Demo\n\nA tiny demo project.\n"))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, types.BLOCK_TEXT, chunks[0].BlockType)
}

func chatMessages(n int) []types.Message {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	out := make([]types.Message, n)
	for i := range out {
		out[i] = types.Message{
			Author:    fmt.Sprintf("user%d", i%3),
			Text:      fmt.Sprintf("message %d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func TestChunkChatWindows(t *testing.T) {
	item := newItem(types.ITEM_CHAT, "C1/2024-05-01", "")
	item.Messages = chatMessages(20)

	c := New(DefaultConfig())
	chunks, err := c.Chunk(item)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	first, second := chunks[0], chunks[1]
	assert.Equal(t, types.BLOCK_CHAT, first.BlockType)
	assert.Equal(t, 0, first.Metadata.Int(types.META_MESSAGE_START))
	assert.Equal(t, 14, first.Metadata.Int(types.META_MESSAGE_END))
	assert.Equal(t, 15, first.Metadata.Int(types.META_MESSAGE_COUNT))
	assert.Equal(t, 12, second.Metadata.Int(types.META_MESSAGE_START))
	assert.Equal(t, 19, second.Metadata.Int(types.META_MESSAGE_END))
	assert.Equal(t, 8, second.Metadata.Int(types.META_MESSAGE_COUNT))

	lines := strings.Split(first.Content, "\n")
	require.Len(t, lines, 15)
	assert.Equal(t, "user0: message 0", lines[0])
	assert.Contains(t, second.Content, "user0: message 12", "overlapping messages repeat")
	assert.ElementsMatch(t, []string{"user0", "user1", "user2"}, first.Metadata.Strings(types.META_AUTHORS))
}

func TestChunkChatFromLines(t *testing.T) {
	item := newItem(types.ITEM_CHAT, "log", "alice: hi\n\nbob: hello\n")
	c := New(DefaultConfig())
	chunks, err := c.Chunk(item)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "alice: hi\nbob: hello", chunks[0].Content)
	assert.Equal(t, 2, chunks[0].Metadata.Int(types.META_MESSAGE_COUNT))
}

func TestChunkTicket(t *testing.T) {
	item := newItem(types.ITEM_TICKET, "issue/42", "Login fails with a 500 after the upgrade.")
	item.Title = "Login fails"
	item.Metadata[types.META_STATE] = "open"
	item.Metadata[types.META_TICKET_TYPE] = "issue"
	item.Metadata[types.META_TAGS] = []string{"bug", "auth"}
	item.Messages = chatMessages(7)

	c := New(DefaultConfig())
	chunks, err := c.Chunk(item)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	header := chunks[0]
	assert.Equal(t, types.BLOCK_TICKET_HEADER, header.BlockType)
	assert.Contains(t, header.Content, "# Login fails")
	assert.Contains(t, header.Content, "State: open")
	assert.Contains(t, header.Content, "Labels: bug, auth")
	assert.Contains(t, header.Content, "Login fails with a 500")
	assert.Equal(t, ticketChunkHeader, header.Metadata.String(types.META_CHUNK_TYPE))
	assert.Equal(t, "Login fails", header.Metadata.String(types.META_TITLE))

	conv := chunks[1]
	assert.Equal(t, types.BLOCK_TICKET_CONVERSATION, conv.BlockType)
	assert.Equal(t, 5, conv.Metadata.Int(types.META_MESSAGE_COUNT))
	assert.Equal(t, string(types.BLOCK_TICKET_HEADER), conv.Metadata.String(types.META_PARENT_KIND))
	assert.Equal(t, 4, chunks[2].Metadata.Int(types.META_MESSAGE_START))
	assert.Equal(t, 3, chunks[2].Metadata.Int(types.META_MESSAGE_COUNT))
}

func TestChunkTicketOversizedHeader(t *testing.T) {
	para := strings.TrimSpace(strings.Repeat("detail ", 400)) // 2799 bytes
	item := newItem(types.ITEM_TICKET, "issue/7", para+"\n\n"+para)
	item.Title = "Huge"

	c := New(DefaultConfig())
	chunks, err := c.Chunk(item)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	for i, ch := range chunks {
		assert.Equal(t, types.BLOCK_TICKET_HEADER, ch.BlockType)
		assert.Equal(t, i, ch.Metadata.Int(types.META_HEADER_PART))
		assert.LessOrEqual(t, len(ch.Content), 4000)
	}
}

func TestChunkDeterministic(t *testing.T) {
	item := newItem(types.ITEM_TICKET, "issue/1", "Body text.")
	item.Title = "Title"
	item.Messages = chatMessages(12)

	c := New(DefaultConfig())
	a, err := c.Chunk(item)
	require.NoError(t, err)
	b, err := c.Chunk(item)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestChunkEmptyContent(t *testing.T) {
	c := New(DefaultConfig())
	for _, kind := range types.AllItemKinds {
		chunks, err := c.Chunk(newItem(kind, "empty", "  \n "))
		require.NoError(t, err, kind)
		assert.Empty(t, chunks, kind)
	}
}

func TestChunkUnknownKind(t *testing.T) {
	c := New(DefaultConfig())
	_, err := c.Chunk(newItem(types.ItemKind("fax"), "x", "content"))
	require.Error(t, err)
	assert.Equal(t, errors.KindConfiguration, errors.KindOf(err))
}

func TestSlidingWindowTerminates(t *testing.T) {
	s := strings.Repeat("a\n", 10)
	spans := slidingWindow(s, 3, 2, textBreak)
	require.NotEmpty(t, spans)
	assert.Equal(t, len(s), spans[len(spans)-1].end)
	for i := 1; i < len(spans); i++ {
		assert.Greater(t, spans[i].start, spans[i-1].start)
	}
}
