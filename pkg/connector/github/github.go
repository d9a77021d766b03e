package github

import (
	"context"
	"encoding/base64"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/quka-ai/conhub/pkg/codeparse"
	"github.com/quka-ai/conhub/pkg/connector"
	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/types"
)

const (
	DefaultBaseURL  = "https://api.github.com"
	maxBlobBytes    = 1 << 20
	blobCacheKind   = "github_blob"
	commitCacheKind = "github_commit"
)

// api is the REST surface shared by the code and issue connectors.
type api struct {
	client  *http.Client
	limiter *connector.Limiter
	creds   connector.CredentialResolver
	ref     string
	base    string
	cache   connector.ResponseCache
}

func newAPI(deps connector.Deps) *api {
	base := strings.TrimRight(deps.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &api{
		client:  client,
		limiter: deps.Limiter,
		creds:   deps.Credentials,
		ref:     deps.CredentialsRef(),
		base:    base,
		cache:   deps.Cache,
	}
}

func (a *api) get(ctx context.Context, p string, query url.Values, out any) (http.Header, error) {
	u := a.base + p
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return connector.WithAuthRetry(ctx, a.creds, a.ref, func(c *connector.Credentials) (http.Header, error) {
		return connector.GetJSON(ctx, a.client, a.limiter, u, c.Token, out)
	})
}

func (a *api) validate(ctx context.Context, ref string) (bool, error) {
	var user struct {
		Login string `json:"login"`
	}
	_, err := connector.WithAuthRetry(ctx, a.creds, ref, func(c *connector.Credentials) (http.Header, error) {
		return connector.GetJSON(ctx, a.client, a.limiter, a.base+"/user", c.Token, &user)
	})
	if err != nil {
		if errors.Is(err, errors.KindAuth) {
			return false, nil
		}
		return false, err
	}
	return user.Login != "", nil
}

func splitRepo(src *types.Source) (string, error) {
	repo := strings.Trim(src.ExternalRef, "/")
	if strings.Count(repo, "/") != 1 {
		return "", errors.NewKind("github.splitRepo", errors.KindConfiguration,
			fmt.Sprintf("expected owner/repo, got %q", src.ExternalRef), nil)
	}
	return repo, nil
}

// rootNotFound turns a 404 on the repository itself into a terminal error.
func rootNotFound(err error, repo string) error {
	if errors.Is(err, errors.KindNotFound) {
		return errors.NewKind("github", errors.KindNotFound, "repository "+repo+" not found", err)
	}
	return err
}

// CodeConnector indexes the files of one branch of a repository through the
// git trees API. Blob shas are the item fingerprints and the cache keys.
//
// Source config:
//
//	branch       defaults to the repository default branch
//	path_prefix  only files below this path
//	authors      "true" looks up the last commit author of every file
type CodeConnector struct {
	api *api
}

func NewCode(deps connector.Deps) (connector.Connector, error) {
	return &CodeConnector{api: newAPI(deps)}, nil
}

func (c *CodeConnector) Kind() types.ConnectorKind {
	return types.CONNECTOR_GITHUB
}

func (c *CodeConnector) Validate(ctx context.Context, ref string) (bool, error) {
	return c.api.validate(ctx, ref)
}

type repository struct {
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
}

type branch struct {
	Name   string `json:"name"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

type treeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
	Size int64  `json:"size"`
}

type tree struct {
	SHA       string      `json:"sha"`
	Tree      []treeEntry `json:"tree"`
	Truncated bool        `json:"truncated"`
}

type blob struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

func (c *CodeConnector) SnapshotListing(*types.Source) bool {
	return true
}

func (c *CodeConnector) ListBranches(ctx context.Context, src *types.Source) ([]types.Branch, error) {
	repo, err := splitRepo(src)
	if err != nil {
		return nil, err
	}
	var meta repository
	if _, err = c.api.get(ctx, "/repos/"+repo, nil, &meta); err != nil {
		return nil, rootNotFound(err, repo)
	}
	var out []types.Branch
	for page := 1; ; page++ {
		var branches []branch
		if _, err = c.api.get(ctx, "/repos/"+repo+"/branches", url.Values{"per_page": {"100"}, "page": {fmt.Sprint(page)}}, &branches); err != nil {
			return nil, rootNotFound(err, repo)
		}
		for _, b := range branches {
			out = append(out, types.Branch{Name: b.Name, CommitSHA: b.Commit.SHA, Default: b.Name == meta.DefaultBranch})
		}
		if len(branches) < 100 {
			return out, nil
		}
	}
}

func (c *CodeConnector) files(ctx context.Context, src *types.Source) (string, []treeEntry, error) {
	repo, err := splitRepo(src)
	if err != nil {
		return "", nil, err
	}
	ref := src.Config.String("branch")
	if ref == "" {
		var meta repository
		if _, err = c.api.get(ctx, "/repos/"+repo, nil, &meta); err != nil {
			return "", nil, rootNotFound(err, repo)
		}
		ref = meta.DefaultBranch
	}
	var t tree
	if _, err = c.api.get(ctx, "/repos/"+repo+"/git/trees/"+url.PathEscape(ref), url.Values{"recursive": {"1"}}, &t); err != nil {
		return "", nil, rootNotFound(err, repo)
	}
	prefix := strings.Trim(src.Config.String("path_prefix"), "/")
	var out []treeEntry
	for _, e := range t.Tree {
		if e.Type != "blob" || e.Size > maxBlobBytes {
			continue
		}
		if prefix != "" && !strings.HasPrefix(e.Path, prefix+"/") {
			continue
		}
		if codeparse.DetectLanguage(e.Path) == codeparse.LangUnknown {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return ref, out, nil
}

func (c *CodeConnector) CountItems(ctx context.Context, src *types.Source) (int64, error) {
	_, entries, err := c.files(ctx, src)
	return int64(len(entries)), err
}

func (c *CodeConnector) ListItems(ctx context.Context, src *types.Source, cursor string) iter.Seq2[*types.SourceItem, error] {
	return func(yield func(*types.SourceItem, error) bool) {
		var (
			ref     string
			entries []treeEntry
			err     error
		)
		for {
			if ref, entries, err = c.files(ctx, src); err == nil {
				break
			}
			if !connector.Retry(err, func(e error) bool { return yield(nil, e) }) {
				return
			}
		}
		start := sort.Search(len(entries), func(i int) bool { return entries[i].Path > cursor })
		for _, e := range entries[start:] {
			if err := ctx.Err(); err != nil {
				yield(nil, errors.Trace("github.ListItems", err))
				return
			}
			var item *types.SourceItem
			for {
				item, err = c.item(ctx, src, ref, e)
				if err == nil {
					break
				}
				if _, ok := connector.AsBackPressure(err); ok {
					if !yield(nil, err) {
						return
					}
					continue
				}
				break
			}
			if err != nil {
				if errors.Is(err, errors.KindAuth) {
					yield(nil, err)
					return
				}
				if !yield(nil, &connector.ItemError{ExternalID: e.Path, Err: err}) {
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

func (c *CodeConnector) item(ctx context.Context, src *types.Source, ref string, e treeEntry) (*types.SourceItem, error) {
	content, err := c.FetchContent(ctx, src, e.SHA)
	if err != nil {
		return nil, err
	}
	repo := strings.Trim(src.ExternalRef, "/")
	meta := types.Metadata{
		types.META_PATH:       e.Path,
		types.META_TITLE:      path.Base(e.Path),
		types.META_REPOSITORY: repo,
		types.META_URL:        fmt.Sprintf("https://github.com/%s/blob/%s/%s", repo, ref, e.Path),
		"branch":              ref,
		"blob_sha":            e.SHA,
	}
	var updated int64
	if src.Config.String("authors") == "true" {
		if author, at, err := c.lastCommit(ctx, repo, ref, e); err == nil {
			meta[types.META_AUTHOR] = author
			updated = at
			meta[types.META_SOURCE_UPDATED] = at
		} else if _, ok := connector.AsBackPressure(err); ok {
			return nil, err
		}
	}
	return &types.SourceItem{
		ID:                 types.SourceItemID(src.ID, e.Path),
		TenantID:           src.TenantID,
		SourceID:           src.ID,
		ExternalID:         e.Path,
		Kind:               src.Kind,
		Title:              path.Base(e.Path),
		Content:            string(content.Bytes),
		Language:           codeparse.DetectLanguage(e.Path),
		MimeType:           content.Mime,
		ContentFingerprint: e.SHA,
		Metadata:           meta,
		Cursor:             e.Path,
		SourceUpdatedAt:    updated,
	}, nil
}

type commit struct {
	Author *struct {
		Login string `json:"login"`
	} `json:"author"`
	Commit struct {
		Author struct {
			Name string    `json:"name"`
			Date time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
}

// lastCommit is cached by blob sha: the same content has the same history head.
func (c *CodeConnector) lastCommit(ctx context.Context, repo, ref string, e treeEntry) (string, int64, error) {
	raw, err := connector.CachedContent(ctx, c.api.cache, commitCacheKind, []string{repo, e.SHA}, func() (*connector.Content, error) {
		var commits []commit
		q := url.Values{"path": {e.Path}, "sha": {ref}, "per_page": {"1"}}
		if _, err := c.api.get(ctx, "/repos/"+repo+"/commits", q, &commits); err != nil {
			return nil, err
		}
		if len(commits) == 0 {
			return nil, errors.NewKind("github.lastCommit", errors.KindNotFound, "no commits for "+e.Path, nil)
		}
		name := commits[0].Commit.Author.Name
		if commits[0].Author != nil && commits[0].Author.Login != "" {
			name = commits[0].Author.Login
		}
		return &connector.Content{
			Bytes: []byte(name),
			Mime:  commits[0].Commit.Author.Date.UTC().Format(time.RFC3339),
		}, nil
	})
	if err != nil {
		return "", 0, err
	}
	at, _ := time.Parse(time.RFC3339, raw.Mime)
	return string(raw.Bytes), at.Unix(), nil
}

// FetchContent reads a blob by sha.
func (c *CodeConnector) FetchContent(ctx context.Context, src *types.Source, externalID string) (*connector.Content, error) {
	repo, err := splitRepo(src)
	if err != nil {
		return nil, err
	}
	return connector.CachedContent(ctx, c.api.cache, blobCacheKind, []string{repo, externalID}, func() (*connector.Content, error) {
		var b blob
		if _, err := c.api.get(ctx, "/repos/"+repo+"/git/blobs/"+url.PathEscape(externalID), nil, &b); err != nil {
			return nil, err
		}
		raw := []byte(b.Content)
		if b.Encoding == "base64" {
			decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(b.Content, "\n", ""))
			if err != nil {
				return nil, errors.NewKind("github.FetchContent", errors.KindDataIntegrity, "undecodable blob", err)
			}
			raw = decoded
		}
		return &connector.Content{Bytes: raw, Mime: http.DetectContentType(raw)}, nil
	})
}
