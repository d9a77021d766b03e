package web

import (
	"bytes"
	"context"
	"iter"
	"sort"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/samber/lo"

	"github.com/quka-ai/conhub/pkg/connector"
	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/types"
)

const feedAccept = "application/rss+xml, application/atom+xml, application/xml, text/xml"

type Feed struct {
	Title   string
	Link    string
	Entries []*Entry
}

type Entry struct {
	GUID        string
	Title       string
	Link        string
	Author      string
	Text        string
	Tags        []string
	PublishedAt time.Time
}

// FeedParser wraps gofeed and normalizes entries to plain text in
// publication order.
type FeedParser struct {
	parser *gofeed.Parser
}

func NewFeedParser() *FeedParser {
	return &FeedParser{parser: gofeed.NewParser()}
}

func (p *FeedParser) Parse(raw []byte) (*Feed, error) {
	feed, err := p.parser.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	out := &Feed{Title: feed.Title, Link: feed.Link}
	for _, item := range feed.Items {
		out.Entries = append(out.Entries, convertItem(item))
	}
	sort.SliceStable(out.Entries, func(i, j int) bool {
		return out.Entries[i].PublishedAt.Before(out.Entries[j].PublishedAt)
	})
	return out, nil
}

func convertItem(item *gofeed.Item) *Entry {
	e := &Entry{
		GUID:  item.GUID,
		Title: item.Title,
		Link:  item.Link,
		Tags:  item.Categories,
	}
	// entries without a guid are identified by their link
	if e.GUID == "" {
		e.GUID = item.Link
	}
	if item.Author != nil {
		e.Author = item.Author.Name
	} else if len(item.Authors) > 0 && item.Authors[0] != nil {
		e.Author = item.Authors[0].Name
	}
	body := item.Content
	if body == "" {
		body = item.Description
	}
	e.Text = TextFromFragment(body)
	switch {
	case item.PublishedParsed != nil:
		e.PublishedAt = item.PublishedParsed.UTC()
	case item.UpdatedParsed != nil:
		e.PublishedAt = item.UpdatedParsed.UTC()
	}
	return e
}

func (c *Connector) fetchFeed(ctx context.Context, feedURL string) (*Feed, error) {
	body, _, err := c.get(ctx, feedURL, feedAccept)
	if err != nil {
		if errors.Is(err, errors.KindNotFound) {
			return nil, errors.NewKind("web.fetchFeed", errors.KindNotFound, "feed "+feedURL+" not found", err)
		}
		return nil, err
	}
	feed, err := c.feeds.Parse(body)
	if err != nil {
		return nil, errors.NewKind("web.fetchFeed", errors.KindDataIntegrity, "failed to parse feed", err)
	}
	return feed, nil
}

// listFeed resumes after the entry whose GUID is the cursor. When that entry
// has rolled off the feed the whole feed is listed again; unchanged entries
// are dropped downstream by fingerprint.
func (c *Connector) listFeed(ctx context.Context, src *types.Source, cursor string) iter.Seq2[*types.SourceItem, error] {
	return func(yield func(*types.SourceItem, error) bool) {
		var (
			feed *Feed
			err  error
		)
		for {
			if feed, err = c.fetchFeed(ctx, src.ExternalRef); err == nil {
				break
			}
			if !connector.Retry(err, func(e error) bool { return yield(nil, e) }) {
				return
			}
		}
		entries := feed.Entries
		if cursor != "" {
			if _, idx, ok := lo.FindIndexOf(entries, func(e *Entry) bool { return e.GUID == cursor }); ok {
				entries = entries[idx+1:]
			}
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				yield(nil, errors.Trace("web.listFeed", err))
				return
			}
			if e.GUID == "" || e.Text == "" {
				continue
			}
			if !yield(feedItem(src, feed, e), nil) {
				return
			}
		}
	}
}

func feedItem(src *types.Source, feed *Feed, e *Entry) *types.SourceItem {
	meta := types.Metadata{
		types.META_TITLE:          e.Title,
		types.META_URL:            e.Link,
		types.META_REPOSITORY:     feed.Title,
		types.META_CONTENT_TYPE:   "text/html",
		types.META_SOURCE_UPDATED: e.PublishedAt.Unix(),
	}
	if e.Author != "" {
		meta[types.META_AUTHOR] = e.Author
	}
	if len(e.Tags) > 0 {
		meta[types.META_TAGS] = e.Tags
	}
	return &types.SourceItem{
		ID:                 types.SourceItemID(src.ID, e.GUID),
		TenantID:           src.TenantID,
		SourceID:           src.ID,
		ExternalID:         e.GUID,
		Kind:               types.ITEM_WEB_PAGE,
		Title:              e.Title,
		Content:            e.Text,
		MimeType:           "text/plain",
		ContentFingerprint: types.ContentHash(e.Title + "\n" + e.Text),
		Metadata:           meta,
		Cursor:             e.GUID,
		SourceUpdatedAt:    e.PublishedAt.Unix(),
	}
}
