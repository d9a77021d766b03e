package slack

import (
	"context"
	"fmt"
	"iter"
	"net/http"
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
	DefaultBaseURL = "https://slack.com/api"
	pageLimit      = 200
	userCacheKind  = "slack_user"
)

// Connector turns a channel's history into one chat item per channel and UTC
// day. The source's external ref is the channel id. The cursor is the ts of
// the newest message listed; a resumed listing starts at the beginning of that
// day so the day's item is rebuilt with every message it has.
type Connector struct {
	client  *http.Client
	limiter *connector.Limiter
	creds   connector.CredentialResolver
	ref     string
	base    string
	cache   connector.ResponseCache
}

func New(deps connector.Deps) (connector.Connector, error) {
	base := strings.TrimRight(deps.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Connector{
		client:  client,
		limiter: deps.Limiter,
		creds:   deps.Credentials,
		ref:     deps.CredentialsRef(),
		base:    base,
		cache:   deps.Cache,
	}, nil
}

func (c *Connector) Kind() types.ConnectorKind {
	return types.CONNECTOR_SLACK
}

type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (e envelope) err(trace string) error {
	if e.OK {
		return nil
	}
	switch e.Error {
	case "invalid_auth", "not_authed", "token_revoked", "token_expired", "account_inactive":
		return errors.NewKind(trace, errors.KindAuth, "slack: "+e.Error, nil)
	case "channel_not_found", "user_not_found":
		return errors.NewKind(trace, errors.KindNotFound, "slack: "+e.Error, nil)
	case "ratelimited":
		return &connector.BackPressureError{RetryAfter: time.Second}
	case "internal_error", "fatal_error", "service_unavailable":
		return errors.NewKind(trace, errors.KindTransient, "slack: "+e.Error, nil)
	}
	return errors.NewKind(trace, errors.KindInvalid, "slack: "+e.Error, nil)
}

type envelopeErr interface {
	err(trace string) error
}

func (c *Connector) call(ctx context.Context, ref, method string, q url.Values, out envelopeErr) error {
	_, err := connector.WithAuthRetry(ctx, c.creds, ref, func(cred *connector.Credentials) (struct{}, error) {
		if _, err := connector.GetJSON(ctx, c.client, c.limiter, c.base+"/"+method+"?"+q.Encode(), cred.Token, out); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, out.err("slack." + method)
	})
	return err
}

func (c *Connector) Validate(ctx context.Context, ref string) (bool, error) {
	var resp envelope
	if err := c.call(ctx, ref, "auth.test", url.Values{}, &resp); err != nil {
		if errors.Is(err, errors.KindAuth) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

type message struct {
	Type        string `json:"type"`
	Subtype     string `json:"subtype"`
	User        string `json:"user"`
	Text        string `json:"text"`
	TS          string `json:"ts"`
	UserProfile *struct {
		RealName    string `json:"real_name"`
		DisplayName string `json:"display_name"`
	} `json:"user_profile"`
}

type history struct {
	envelope
	Messages         []message `json:"messages"`
	HasMore          bool      `json:"has_more"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

type channelInfo struct {
	envelope
	Channel struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"channel"`
}

type userInfo struct {
	envelope
	User struct {
		Name     string `json:"name"`
		RealName string `json:"real_name"`
		Profile  struct {
			DisplayName string `json:"display_name"`
			Email       string `json:"email"`
		} `json:"profile"`
	} `json:"user"`
}

func parseTS(ts string) time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Time{}
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// history pages through conversations.history from oldest on. Slack returns
// newest first, so the whole window is read before items are built.
func (c *Connector) history(ctx context.Context, channel string, oldest time.Time, yield func(*types.SourceItem, error) bool) ([]message, bool) {
	var (
		all  []message
		next string
	)
	for {
		q := url.Values{"channel": {channel}, "limit": {strconv.Itoa(pageLimit)}}
		if !oldest.IsZero() {
			q.Set("oldest", fmt.Sprintf("%d.000000", oldest.Unix()))
			q.Set("inclusive", "true")
		}
		if next != "" {
			q.Set("cursor", next)
		}
		var page history
		err := c.call(ctx, c.ref, "conversations.history", q, &page)
		if err != nil {
			if connector.Retry(err, func(e error) bool { return yield(nil, e) }) {
				continue
			}
			return nil, false
		}
		all = append(all, page.Messages...)
		if !page.HasMore || page.ResponseMetadata.NextCursor == "" {
			return all, true
		}
		next = page.ResponseMetadata.NextCursor
	}
}

func (c *Connector) ListItems(ctx context.Context, src *types.Source, cursor string) iter.Seq2[*types.SourceItem, error] {
	return func(yield func(*types.SourceItem, error) bool) {
		channel := src.ExternalRef
		var oldest time.Time
		if cursor != "" {
			oldest = dayStart(parseTS(cursor))
		}
		msgs, ok := c.history(ctx, channel, oldest, yield)
		if !ok {
			return
		}
		channelName := c.channelName(ctx, src)

		byDay := map[string][]message{}
		for _, m := range msgs {
			if m.Type != "message" || strings.TrimSpace(m.Text) == "" {
				continue
			}
			switch m.Subtype {
			case "channel_join", "channel_leave", "channel_topic", "channel_purpose":
				continue
			}
			day := parseTS(m.TS).Format(time.DateOnly)
			byDay[day] = append(byDay[day], m)
		}
		days := lo.Keys(byDay)
		sort.Strings(days)
		for _, day := range days {
			if err := ctx.Err(); err != nil {
				yield(nil, errors.Trace("slack.ListItems", err))
				return
			}
			group := byDay[day]
			sort.Slice(group, func(i, j int) bool { return parseTS(group[i].TS).Before(parseTS(group[j].TS)) })
			if !yield(c.item(ctx, src, channelName, day, group), nil) {
				return
			}
		}
	}
}

func (c *Connector) channelName(ctx context.Context, src *types.Source) string {
	var info channelInfo
	if err := c.call(ctx, c.ref, "conversations.info", url.Values{"channel": {src.ExternalRef}}, &info); err == nil && info.Channel.Name != "" {
		return info.Channel.Name
	}
	if src.Name != "" {
		return src.Name
	}
	return src.ExternalRef
}

func (c *Connector) item(ctx context.Context, src *types.Source, channelName, day string, group []message) *types.SourceItem {
	msgs := make([]types.Message, 0, len(group))
	for _, m := range group {
		msgs = append(msgs, types.Message{Author: c.author(ctx, m), Text: m.Text, Timestamp: parseTS(m.TS)})
	}
	first, last := msgs[0].Timestamp, msgs[len(msgs)-1].Timestamp
	externalID := src.ExternalRef + "/" + day
	item := &types.SourceItem{
		ID:         types.SourceItemID(src.ID, externalID),
		TenantID:   src.TenantID,
		SourceID:   src.ID,
		ExternalID: externalID,
		Kind:       types.ITEM_CHAT,
		Title:      "#" + channelName + " " + day,
		Messages:   msgs,
		Metadata: types.Metadata{
			types.META_TITLE:          "#" + channelName + " " + day,
			types.META_CHANNEL:        channelName,
			types.META_STARTED_AT:     first.Format(time.RFC3339),
			types.META_ENDED_AT:       last.Format(time.RFC3339),
			types.META_AUTHORS:        lo.Uniq(lo.Map(msgs, func(m types.Message, _ int) string { return m.Author })),
			types.META_SOURCE_UPDATED: last.Unix(),
		},
		Cursor:          group[len(group)-1].TS,
		SourceUpdatedAt: last.Unix(),
	}
	item.ContentFingerprint = item.Fingerprint()
	return item
}

// author prefers the display name carried on the message, then users.info
// through the response cache, then the raw user id.
func (c *Connector) author(ctx context.Context, m message) string {
	if m.UserProfile != nil {
		if m.UserProfile.DisplayName != "" {
			return m.UserProfile.DisplayName
		}
		if m.UserProfile.RealName != "" {
			return m.UserProfile.RealName
		}
	}
	if m.User == "" {
		return "unknown"
	}
	content, err := connector.CachedContent(ctx, c.cache, userCacheKind, []string{m.User}, func() (*connector.Content, error) {
		var info userInfo
		if err := c.call(ctx, c.ref, "users.info", url.Values{"user": {m.User}}, &info); err != nil {
			return nil, err
		}
		name := lo.CoalesceOrEmpty(info.User.Profile.DisplayName, info.User.RealName, info.User.Name, m.User)
		return &connector.Content{Bytes: []byte(name), Mime: "text/plain"}, nil
	})
	if err != nil {
		return m.User
	}
	return string(content.Bytes)
}

// FetchContent renders one channel day, externalID "{channel}/{YYYY-MM-DD}", as text.
func (c *Connector) FetchContent(ctx context.Context, src *types.Source, externalID string) (*connector.Content, error) {
	channel, day, ok := strings.Cut(externalID, "/")
	if !ok {
		return nil, errors.NewKind("slack.FetchContent", errors.KindInvalid, "malformed external id", nil)
	}
	start, err := time.Parse(time.DateOnly, day)
	if err != nil {
		return nil, errors.NewKind("slack.FetchContent", errors.KindInvalid, "malformed day", err)
	}
	q := url.Values{
		"channel":   {channel},
		"oldest":    {fmt.Sprintf("%d.000000", start.Unix())},
		"latest":    {fmt.Sprintf("%d.000000", start.Add(24*time.Hour).Unix())},
		"inclusive": {"true"},
		"limit":     {"1000"},
	}
	var page history
	if err = c.call(ctx, c.ref, "conversations.history", q, &page); err != nil {
		return nil, err
	}
	sort.Slice(page.Messages, func(i, j int) bool { return parseTS(page.Messages[i].TS).Before(parseTS(page.Messages[j].TS)) })
	var b strings.Builder
	for _, m := range page.Messages {
		fmt.Fprintf(&b, "%s: %s\n", c.author(ctx, m), m.Text)
	}
	return &connector.Content{Bytes: []byte(b.String()), Mime: "text/plain"}, nil
}
