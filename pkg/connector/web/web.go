package web

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/quka-ai/conhub/pkg/connector"
	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/types"
)

const (
	userAgent = "conhub-web-connector/1.0"

	ModePages = "pages"
	ModeFeed  = "feed"
)

// Connector indexes web pages, either an explicit URL list or the entries of
// an RSS/Atom feed.
//
// Source config:
//
//	mode  pages (default) or feed
//	urls  page URLs; defaults to the source's external ref
//
// In feed mode the external ref is the feed URL. Page listings use the index
// of the last processed URL as cursor, feed listings the last processed GUID.
type Connector struct {
	client  *http.Client
	limiter *connector.Limiter
	feeds   *FeedParser
}

func New(deps connector.Deps) (connector.Connector, error) {
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Connector{
		client:  client,
		limiter: deps.Limiter,
		feeds:   NewFeedParser(),
	}, nil
}

func (c *Connector) Kind() types.ConnectorKind {
	return types.CONNECTOR_WEB
}

// Validate has nothing to check: public pages need no credentials.
func (c *Connector) Validate(ctx context.Context, _ string) (bool, error) {
	return true, nil
}

func (c *Connector) get(ctx context.Context, rawURL, accept string) ([]byte, http.Header, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, nil, errors.NewKind("web.get", errors.KindConfiguration, fmt.Sprintf("invalid url %q", rawURL), err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, errors.NewKind("web.get", errors.KindInvalid, "failed to create request", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", accept)
	return connector.Do(ctx, c.client, c.limiter, req)
}

func pageURLs(src *types.Source) []string {
	if urls := src.Config.Strings("urls"); len(urls) > 0 {
		return urls
	}
	if src.ExternalRef != "" {
		return []string{src.ExternalRef}
	}
	return nil
}

func mode(src *types.Source) string {
	if m := src.Config.String("mode"); m != "" {
		return m
	}
	return ModePages
}

// SnapshotListing is true for URL lists; feeds list oldest first and resume by GUID.
func (c *Connector) SnapshotListing(src *types.Source) bool {
	return mode(src) != ModeFeed
}

func (c *Connector) CountItems(ctx context.Context, src *types.Source) (int64, error) {
	if mode(src) == ModeFeed {
		feed, err := c.fetchFeed(ctx, src.ExternalRef)
		if err != nil {
			return 0, err
		}
		return int64(len(feed.Entries)), nil
	}
	return int64(len(pageURLs(src))), nil
}

func (c *Connector) ListItems(ctx context.Context, src *types.Source, cursor string) iter.Seq2[*types.SourceItem, error] {
	switch mode(src) {
	case ModeFeed:
		return c.listFeed(ctx, src, cursor)
	case ModePages:
		return c.listPages(ctx, src, cursor)
	}
	return func(yield func(*types.SourceItem, error) bool) {
		yield(nil, errors.NewKind("web.ListItems", errors.KindConfiguration, "unknown web source mode "+mode(src), nil))
	}
}

func (c *Connector) listPages(ctx context.Context, src *types.Source, cursor string) iter.Seq2[*types.SourceItem, error] {
	return func(yield func(*types.SourceItem, error) bool) {
		urls := pageURLs(src)
		if len(urls) == 0 {
			yield(nil, errors.NewKind("web.ListItems", errors.KindConfiguration, "web source has no urls", nil))
			return
		}
		start := 0
		if cursor != "" {
			last, err := strconv.Atoi(cursor)
			if err != nil {
				yield(nil, errors.NewKind("web.ListItems", errors.KindInvalid, "malformed cursor", err))
				return
			}
			start = last + 1
		}
		for i := start; i < len(urls); i++ {
			if err := ctx.Err(); err != nil {
				yield(nil, errors.Trace("web.ListItems", err))
				return
			}
			item, err := c.page(ctx, src, urls[i], i)
			for err != nil {
				if _, ok := connector.AsBackPressure(err); !ok {
					break
				}
				if !yield(nil, err) {
					return
				}
				item, err = c.page(ctx, src, urls[i], i)
			}
			if err != nil {
				if errors.Is(err, errors.KindNotFound) {
					continue
				}
				if !yield(nil, &connector.ItemError{ExternalID: urls[i], Err: err}) {
					return
				}
				continue
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

func (c *Connector) page(ctx context.Context, src *types.Source, rawURL string, index int) (*types.SourceItem, error) {
	body, header, err := c.get(ctx, rawURL, "text/html, text/plain;q=0.9, */*;q=0.5")
	if err != nil {
		return nil, err
	}
	mime := header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(body)
	}
	title, text := rawURL, string(body)
	if strings.Contains(mime, "html") {
		page, err := ExtractText(bytes.NewReader(body))
		if err != nil {
			return nil, errors.NewKind("web.page", errors.KindDataIntegrity, "unparseable html", err)
		}
		text = page.Text
		if page.Title != "" {
			title = page.Title
		}
	}
	updated := time.Now().Unix()
	if lm, err := http.ParseTime(header.Get("Last-Modified")); err == nil {
		updated = lm.Unix()
	}
	meta := types.Metadata{
		types.META_TITLE:          title,
		types.META_URL:            rawURL,
		types.META_CONTENT_TYPE:   "text/html",
		types.META_SOURCE_UPDATED: updated,
	}
	if u, err := url.Parse(rawURL); err == nil {
		meta[types.META_REPOSITORY] = u.Host
	}
	return &types.SourceItem{
		ID:                 types.SourceItemID(src.ID, rawURL),
		TenantID:           src.TenantID,
		SourceID:           src.ID,
		ExternalID:         rawURL,
		Kind:               types.ITEM_WEB_PAGE,
		Title:              title,
		Content:            text,
		MimeType:           "text/plain",
		ContentFingerprint: types.ContentHash(title + "\n" + text),
		Metadata:           meta,
		Cursor:             strconv.Itoa(index),
		// Last-Modified is informational only; the fingerprint decides.
		SourceUpdatedAt: updated,
	}, nil
}

func (c *Connector) FetchContent(ctx context.Context, src *types.Source, externalID string) (*connector.Content, error) {
	if mode(src) == ModeFeed {
		feed, err := c.fetchFeed(ctx, src.ExternalRef)
		if err != nil {
			return nil, err
		}
		for _, e := range feed.Entries {
			if e.GUID == externalID {
				return &connector.Content{Bytes: []byte(e.Text), Mime: "text/plain"}, nil
			}
		}
		return nil, errors.NewKind("web.FetchContent", errors.KindNotFound, "feed entry not found", nil)
	}
	body, header, err := c.get(ctx, externalID, "text/html, text/plain;q=0.9, */*;q=0.5")
	if err != nil {
		return nil, err
	}
	mime := header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(body)
	}
	return &connector.Content{Bytes: body, Mime: mime}, nil
}
