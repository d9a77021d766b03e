package github

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quka-ai/conhub/pkg/connector"
	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/types"
)

const helloPy = "def greet(name): return f\"hi {name}\"\n"

func fakeGitHub(t *testing.T, throttleFirst bool) *httptest.Server {
	var throttled atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"login":"bot"}`)
	})
	mux.HandleFunc("/repos/acme/demo", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"full_name":"acme/demo","default_branch":"main"}`)
	})
	mux.HandleFunc("/repos/acme/demo/branches", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"name":"main","commit":{"sha":"c1"}},{"name":"dev","commit":{"sha":"c2"}}]`)
	})
	mux.HandleFunc("/repos/acme/demo/git/trees/main", func(w http.ResponseWriter, r *http.Request) {
		if throttleFirst && !throttled.Swap(true) {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"sha":"t1","tree":[
			{"path":"hello.py","type":"blob","sha":"b1","size":40},
			{"path":"docs/README.md","type":"blob","sha":"b2","size":10},
			{"path":"logo.png","type":"blob","sha":"b3","size":10},
			{"path":"docs","type":"tree","sha":"t2"}
		]}`)
	})
	mux.HandleFunc("/repos/acme/demo/git/blobs/b1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"content":%q,"encoding":"base64"}`, base64.StdEncoding.EncodeToString([]byte(helloPy)))
	})
	mux.HandleFunc("/repos/acme/demo/git/blobs/b2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content":"# Demo","encoding":"utf-8"}`)
	})
	mux.HandleFunc("/repos/acme/demo/commits", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"author":{"login":"alice"},"commit":{"author":{"name":"Alice","date":"2024-01-02T03:04:05Z"}}}]`)
	})
	mux.HandleFunc("/repos/acme/demo/issues", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "asc", r.URL.Query().Get("direction"))
		fmt.Fprint(w, `[
			{"number":7,"title":"Crash on start","body":"It crashes.","state":"open","html_url":"https://github.com/acme/demo/issues/7",
			 "user":{"login":"bob"},"labels":[{"name":"bug"}],"comments":1,
			 "created_at":"2024-01-01T00:00:00Z","updated_at":"2024-01-03T00:00:00Z"},
			{"number":8,"title":"Fix crash","body":"Fixes #7","state":"closed","html_url":"https://github.com/acme/demo/pull/8",
			 "user":{"login":"alice"},"labels":[],"comments":0,"pull_request":{"url":"x"},
			 "created_at":"2024-01-02T00:00:00Z","updated_at":"2024-01-04T00:00:00Z"}
		]`)
	})
	mux.HandleFunc("/repos/acme/demo/issues/7", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":7,"title":"Crash on start","body":"It crashes.","state":"open"}`)
	})
	mux.HandleFunc("/repos/acme/demo/issues/7/comments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"body":"Repro attached","user":{"login":"carol"},"created_at":"2024-01-02T00:00:00Z"}]`)
	})
	mux.HandleFunc("/repos/acme/demo/pulls/8/reviews", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"body":"LGTM","user":{"login":"bob"},"submitted_at":"2024-01-03T00:00:00Z"},{"body":"","user":{"login":"dan"}}]`)
	})
	return httptest.NewServer(mux)
}

func newDeps(srv *httptest.Server, token string) connector.Deps {
	return connector.Deps{
		Account:     &types.ConnectedAccount{CredentialsRef: "ref"},
		Credentials: connector.NewStaticCredentials(map[string]string{"ref": token}),
		HTTPClient:  srv.Client(),
		BaseURL:     srv.URL,
	}
}

func repoSource() *types.Source {
	return &types.Source{ID: "src", TenantID: "t1", Kind: types.ITEM_CODE_REPO, ExternalRef: "acme/demo", Config: types.Metadata{"authors": "true"}}
}

func TestCodeConnectorListItems(t *testing.T) {
	srv := fakeGitHub(t, false)
	defer srv.Close()
	c, err := NewCode(newDeps(srv, "tok"))
	require.NoError(t, err)

	var items []*types.SourceItem
	for item, err := range c.ListItems(context.Background(), repoSource(), "") {
		require.NoError(t, err)
		items = append(items, item)
	}
	require.Len(t, items, 2, "png files and trees are skipped")
	assert.Equal(t, "docs/README.md", items[0].ExternalID)
	assert.Equal(t, "# Demo", items[0].Content)

	hello := items[1]
	assert.Equal(t, "hello.py", hello.ExternalID)
	assert.Equal(t, helloPy, hello.Content)
	assert.Equal(t, "python", hello.Language)
	assert.Equal(t, "b1", hello.ContentFingerprint)
	assert.Equal(t, "alice", hello.Metadata.String(types.META_AUTHOR))
	assert.Equal(t, "acme/demo", hello.Metadata.String(types.META_REPOSITORY))

	// resume after the first item
	var rest []string
	for item, err := range c.ListItems(context.Background(), repoSource(), "docs/README.md") {
		require.NoError(t, err)
		rest = append(rest, item.ExternalID)
	}
	assert.Equal(t, []string{"hello.py"}, rest)
}

func TestCodeConnectorBackPressureResumes(t *testing.T) {
	srv := fakeGitHub(t, true)
	defer srv.Close()
	c, _ := NewCode(newDeps(srv, "tok"))

	var (
		pressure int
		items    int
	)
	for item, err := range c.ListItems(context.Background(), repoSource(), "") {
		if err != nil {
			_, ok := connector.AsBackPressure(err)
			require.True(t, ok, "unexpected error %v", err)
			pressure++
			continue
		}
		require.NotNil(t, item)
		items++
	}
	assert.Equal(t, 1, pressure)
	assert.Equal(t, 2, items)
}

func TestCodeConnectorAuthFailureIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	c, _ := NewCode(newDeps(srv, "revoked"))

	var errs []error
	for _, err := range c.ListItems(context.Background(), repoSource(), "") {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], errors.KindAuth))

	ok, err := c.Validate(context.Background(), "ref")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCodeConnectorMissingRepo(t *testing.T) {
	srv := fakeGitHub(t, false)
	defer srv.Close()
	c, _ := NewCode(newDeps(srv, "tok"))
	src := repoSource()
	src.ExternalRef = "acme/gone"

	var errs []error
	for _, err := range c.ListItems(context.Background(), src, "") {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], errors.KindNotFound))
}

func TestListBranchesAndValidate(t *testing.T) {
	srv := fakeGitHub(t, false)
	defer srv.Close()
	c, _ := NewCode(newDeps(srv, "tok"))

	branches, err := c.(connector.BranchLister).ListBranches(context.Background(), repoSource())
	require.NoError(t, err)
	require.Len(t, branches, 2)
	assert.True(t, branches[0].Default)
	assert.False(t, branches[1].Default)

	ok, err := c.Validate(context.Background(), "ref")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIssuesConnector(t *testing.T) {
	srv := fakeGitHub(t, false)
	defer srv.Close()
	c, err := NewIssues(newDeps(srv, "tok"))
	require.NoError(t, err)
	src := &types.Source{ID: "src-issues", TenantID: "t1", Kind: types.ITEM_TICKET, ExternalRef: "acme/demo"}

	var items []*types.SourceItem
	for item, err := range c.ListItems(context.Background(), src, "") {
		require.NoError(t, err)
		items = append(items, item)
	}
	require.Len(t, items, 2)

	issue := items[0]
	assert.Equal(t, "issue/7", issue.ExternalID)
	assert.Equal(t, types.ITEM_TICKET, issue.Kind)
	assert.Equal(t, "issue", issue.Metadata.String(types.META_TICKET_TYPE))
	assert.Equal(t, []string{"bug"}, issue.Metadata.Strings(types.META_TAGS))
	require.Len(t, issue.Messages, 1)
	assert.Equal(t, "carol", issue.Messages[0].Author)
	assert.Equal(t, "2024-01-03T00:00:00Z", issue.Cursor)

	pr := items[1]
	assert.Equal(t, "pull_request", pr.Metadata.String(types.META_TICKET_TYPE))
	require.Len(t, pr.Messages, 1, "empty reviews are dropped")
	assert.Equal(t, "LGTM", pr.Messages[0].Text)

	content, err := c.FetchContent(context.Background(), src, "issue/7")
	if assert.NoError(t, err) {
		assert.Equal(t, "It crashes.", string(content.Bytes))
	}
}
