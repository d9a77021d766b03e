package web

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quka-ai/conhub/pkg/connector"
	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/types"
)

const page = `<!doctype html>
<html><head><title> Greeting guide </title><style>body{color:red}</style></head>
<body>
<nav>Home | About</nav>
<h1>Greeting</h1>
<p>The <b>greet</b> function says hi.</p>
<script>alert("x")</script>
<p>It lives in hello.py.</p>
</body></html>`

const feed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Eng Blog</title>
    <link>https://blog.example.com</link>
    <item>
      <guid>post-2</guid>
      <title>Second</title>
      <link>https://blog.example.com/2</link>
      <description>&lt;p&gt;Second post&lt;/p&gt;</description>
      <pubDate>Tue, 02 Jan 2024 00:00:00 GMT</pubDate>
    </item>
    <item>
      <guid>post-1</guid>
      <title>First</title>
      <link>https://blog.example.com/1</link>
      <description>First post</description>
      <category>release</category>
      <pubDate>Mon, 01 Jan 2024 00:00:00 GMT</pubDate>
    </item>
  </channel>
</rss>`

func fakeSite() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/guide":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, page)
		case "/plain":
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprint(w, "just text")
		case "/feed.xml":
			w.Header().Set("Content-Type", "application/rss+xml")
			fmt.Fprint(w, feed)
		case "/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestExtractText(t *testing.T) {
	p, err := ExtractText(strings.NewReader(page))
	require.NoError(t, err)
	assert.Equal(t, "Greeting guide", p.Title)
	assert.Equal(t, "Greeting\n\nThe greet function says hi.\n\nIt lives in hello.py.", p.Text)
	assert.Equal(t, "plain", TextFromFragment(" plain "))
}

func TestListPages(t *testing.T) {
	srv := fakeSite()
	defer srv.Close()
	c, err := New(connector.Deps{HTTPClient: srv.Client()})
	require.NoError(t, err)
	src := &types.Source{ID: "s1", TenantID: "t1", Kind: types.ITEM_WEB_PAGE, Config: types.Metadata{
		"urls": []string{srv.URL + "/guide", srv.URL + "/gone", srv.URL + "/broken", srv.URL + "/plain"},
	}}

	var (
		items  []*types.SourceItem
		failed []string
	)
	for item, err := range c.ListItems(context.Background(), src, "") {
		if err != nil {
			ie, ok := connector.AsItemError(err)
			require.True(t, ok, "unexpected error %v", err)
			failed = append(failed, ie.ExternalID)
			continue
		}
		items = append(items, item)
	}
	require.Len(t, items, 2, "missing pages are skipped")
	assert.Equal(t, []string{srv.URL + "/broken"}, failed)

	guide := items[0]
	assert.Equal(t, "Greeting guide", guide.Title)
	assert.Contains(t, guide.Content, "The greet function says hi.")
	assert.NotContains(t, guide.Content, "alert")
	assert.Equal(t, "0", guide.Cursor)
	assert.Equal(t, types.ITEM_WEB_PAGE, guide.Kind)

	assert.Equal(t, "just text", items[1].Content)
	assert.Equal(t, "3", items[1].Cursor)

	var rest []string
	for item, err := range c.ListItems(context.Background(), src, "2") {
		require.NoError(t, err)
		rest = append(rest, item.ExternalID)
	}
	assert.Equal(t, []string{srv.URL + "/plain"}, rest)
}

func TestListFeed(t *testing.T) {
	srv := fakeSite()
	defer srv.Close()
	c, _ := New(connector.Deps{HTTPClient: srv.Client()})
	src := &types.Source{ID: "s1", TenantID: "t1", Kind: types.ITEM_WEB_PAGE, ExternalRef: srv.URL + "/feed.xml",
		Config: types.Metadata{"mode": ModeFeed}}

	var items []*types.SourceItem
	for item, err := range c.ListItems(context.Background(), src, "") {
		require.NoError(t, err)
		items = append(items, item)
	}
	require.Len(t, items, 2)
	assert.Equal(t, "post-1", items[0].ExternalID, "entries are listed oldest first")
	assert.Equal(t, []string{"release"}, items[0].Metadata.Strings(types.META_TAGS))
	assert.Equal(t, "Second post", items[1].Content)
	assert.Equal(t, "Eng Blog", items[1].Metadata.String(types.META_REPOSITORY))

	var rest []string
	for item, err := range c.ListItems(context.Background(), src, "post-1") {
		require.NoError(t, err)
		rest = append(rest, item.ExternalID)
	}
	assert.Equal(t, []string{"post-2"}, rest)

	content, err := c.FetchContent(context.Background(), src, "post-2")
	require.NoError(t, err)
	assert.Equal(t, "Second post", string(content.Bytes))

	n, err := c.(connector.Counter).CountItems(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMissingFeedIsTerminal(t *testing.T) {
	srv := fakeSite()
	defer srv.Close()
	c, _ := New(connector.Deps{HTTPClient: srv.Client()})
	src := &types.Source{ID: "s1", ExternalRef: srv.URL + "/nope.xml", Config: types.Metadata{"mode": ModeFeed}}

	var errs []error
	for _, err := range c.ListItems(context.Background(), src, "") {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], errors.KindNotFound))
}
