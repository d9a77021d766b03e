package github

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/quka-ai/conhub/pkg/connector"
	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/types"
)

const (
	issuesPerPage         = 100
	conversationCacheKind = "github_conversation"
)

// IssuesConnector indexes issues and pull requests as tickets. Comments and
// reviews become the ticket's messages. The cursor is the updated_at of the
// last item; items updated at exactly that instant are listed again and
// dropped by their unchanged fingerprint.
//
// Source config:
//
//	state  open, closed or all (default)
type IssuesConnector struct {
	api *api
}

func NewIssues(deps connector.Deps) (connector.Connector, error) {
	return &IssuesConnector{api: newAPI(deps)}, nil
}

func (c *IssuesConnector) Kind() types.ConnectorKind {
	return types.CONNECTOR_GITHUB_ISSUES
}

func (c *IssuesConnector) Validate(ctx context.Context, ref string) (bool, error) {
	return c.api.validate(ctx, ref)
}

type user struct {
	Login string `json:"login"`
}

type label struct {
	Name string `json:"name"`
}

type issue struct {
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	State       string    `json:"state"`
	HTMLURL     string    `json:"html_url"`
	User        user      `json:"user"`
	Labels      []label   `json:"labels"`
	Comments    int       `json:"comments"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	PullRequest *struct {
		URL string `json:"url"`
	} `json:"pull_request"`
}

type comment struct {
	Body        string    `json:"body"`
	User        user      `json:"user"`
	CreatedAt   time.Time `json:"created_at"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func (c *IssuesConnector) ListItems(ctx context.Context, src *types.Source, cursor string) iter.Seq2[*types.SourceItem, error] {
	return func(yield func(*types.SourceItem, error) bool) {
		repo, err := splitRepo(src)
		if err != nil {
			yield(nil, err)
			return
		}
		state := src.Config.String("state")
		if state == "" {
			state = "all"
		}
		for page := 1; ; page++ {
			q := url.Values{
				"state":     {state},
				"sort":      {"updated"},
				"direction": {"asc"},
				"per_page":  {strconv.Itoa(issuesPerPage)},
				"page":      {strconv.Itoa(page)},
			}
			if cursor != "" {
				q.Set("since", cursor)
			}
			var issues []issue
			for {
				if _, err = c.api.get(ctx, "/repos/"+repo+"/issues", q, &issues); err == nil {
					break
				}
				if !connector.Retry(rootNotFound(err, repo), func(e error) bool { return yield(nil, e) }) {
					return
				}
			}
			for _, is := range issues {
				if err := ctx.Err(); err != nil {
					yield(nil, errors.Trace("github.IssuesConnector.ListItems", err))
					return
				}
				var item *types.SourceItem
				for {
					if item, err = c.item(ctx, src, repo, is); err == nil {
						break
					}
					if _, ok := connector.AsBackPressure(err); !ok || !yield(nil, err) {
						break
					}
				}
				if err != nil {
					if _, ok := connector.AsBackPressure(err); ok {
						return
					}
					if errors.Is(err, errors.KindAuth) {
						yield(nil, err)
						return
					}
					if !yield(nil, &connector.ItemError{ExternalID: issueExternalID(is.Number), Err: err}) {
						return
					}
					continue
				}
				if !yield(item, nil) {
					return
				}
			}
			if len(issues) < issuesPerPage {
				return
			}
		}
	}
}

func issueExternalID(number int) string {
	return fmt.Sprintf("issue/%d", number)
}

func (c *IssuesConnector) item(ctx context.Context, src *types.Source, repo string, is issue) (*types.SourceItem, error) {
	msgs, err := c.conversation(ctx, repo, is)
	if err != nil {
		return nil, err
	}
	ticketType := "issue"
	if is.PullRequest != nil {
		ticketType = "pull_request"
	}
	updated := is.UpdatedAt.UTC()
	meta := types.Metadata{
		types.META_TITLE:          is.Title,
		types.META_REPOSITORY:     repo,
		types.META_ISSUE_NUMBER:   strconv.Itoa(is.Number),
		types.META_TICKET_TYPE:    ticketType,
		types.META_STATE:          is.State,
		types.META_URL:            is.HTMLURL,
		types.META_AUTHOR:         is.User.Login,
		types.META_SOURCE_UPDATED: updated.Unix(),
		types.META_STARTED_AT:     is.CreatedAt.UTC().Format(time.RFC3339),
	}
	labels := lo.Map(is.Labels, func(l label, _ int) string { return l.Name })
	if len(labels) > 0 {
		meta[types.META_TAGS] = labels
	}
	externalID := issueExternalID(is.Number)
	item := &types.SourceItem{
		ID:              types.SourceItemID(src.ID, externalID),
		TenantID:        src.TenantID,
		SourceID:        src.ID,
		ExternalID:      externalID,
		Kind:            types.ITEM_TICKET,
		Title:           is.Title,
		Content:         is.Body,
		Messages:        msgs,
		Metadata:        meta,
		Cursor:          updated.Format(time.RFC3339),
		SourceUpdatedAt: updated.Unix(),
	}
	// state and labels live in metadata, which the item fingerprint does not cover
	item.ContentFingerprint = types.ContentHash(item.Fingerprint() + "|" + is.State + "|" + strings.Join(labels, ","))
	return item, nil
}

// conversation returns comments and, for pull requests, review bodies in
// chronological order. Cached per updated_at: any new comment bumps it.
func (c *IssuesConnector) conversation(ctx context.Context, repo string, is issue) ([]types.Message, error) {
	key := []string{repo, strconv.Itoa(is.Number), is.UpdatedAt.UTC().Format(time.RFC3339)}
	content, err := connector.CachedContent(ctx, c.api.cache, conversationCacheKind, key, func() (*connector.Content, error) {
		var all []comment
		if is.Comments > 0 {
			for page := 1; ; page++ {
				var comments []comment
				q := url.Values{"per_page": {"100"}, "page": {strconv.Itoa(page)}}
				if _, err := c.api.get(ctx, fmt.Sprintf("/repos/%s/issues/%d/comments", repo, is.Number), q, &comments); err != nil {
					return nil, err
				}
				all = append(all, comments...)
				if len(comments) < 100 {
					break
				}
			}
		}
		if is.PullRequest != nil {
			var reviews []comment
			if _, err := c.api.get(ctx, fmt.Sprintf("/repos/%s/pulls/%d/reviews", repo, is.Number), url.Values{"per_page": {"100"}}, &reviews); err != nil {
				return nil, err
			}
			for _, r := range reviews {
				if strings.TrimSpace(r.Body) == "" {
					continue
				}
				r.CreatedAt = r.SubmittedAt
				all = append(all, r)
			}
		}
		sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
		msgs := lo.Map(all, func(cm comment, _ int) types.Message {
			return types.Message{Author: cm.User.Login, Text: cm.Body, Timestamp: cm.CreatedAt.UTC()}
		})
		raw, err := json.Marshal(msgs)
		if err != nil {
			return nil, errors.New("github.conversation", "failed to encode messages", err)
		}
		return &connector.Content{Bytes: raw, Mime: "application/json"}, nil
	})
	if err != nil {
		return nil, err
	}
	var msgs []types.Message
	if err = json.Unmarshal(content.Bytes, &msgs); err != nil {
		return nil, errors.NewKind("github.conversation", errors.KindDataIntegrity, "undecodable cached conversation", err)
	}
	return msgs, nil
}

// FetchContent returns the issue body; externalID is "issue/{number}".
func (c *IssuesConnector) FetchContent(ctx context.Context, src *types.Source, externalID string) (*connector.Content, error) {
	repo, err := splitRepo(src)
	if err != nil {
		return nil, err
	}
	number := strings.TrimPrefix(externalID, "issue/")
	var is issue
	if _, err = c.api.get(ctx, "/repos/"+repo+"/issues/"+url.PathEscape(number), nil, &is); err != nil {
		return nil, err
	}
	return &connector.Content{Bytes: []byte(is.Body), Mime: "text/markdown"}, nil
}
