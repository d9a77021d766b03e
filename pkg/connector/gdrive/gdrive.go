package gdrive

import (
	"context"
	stderrors "errors"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/quka-ai/conhub/pkg/connector"
	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/types"
)

const (
	pageSize      = 100
	maxFileBytes  = 10 << 20
	fileCacheKind = "gdrive_file"

	mimeFolder = "application/vnd.google-apps.folder"
	mimeDoc    = "application/vnd.google-apps.document"
	mimeSheet  = "application/vnd.google-apps.spreadsheet"
	mimeSlides = "application/vnd.google-apps.presentation"

	listFields = "nextPageToken, files(id, name, mimeType, modifiedTime, webViewLink, size, version, owners(displayName, emailAddress), lastModifyingUser(displayName, emailAddress))"
)

// exportMimes maps Google native formats to the text export requested for them.
var exportMimes = map[string]string{
	mimeDoc:    "text/plain",
	mimeSheet:  "text/csv",
	mimeSlides: "text/plain",
}

// Connector indexes the documents of one Drive folder. The source's external
// ref is the folder id. Files are listed by modifiedTime ascending and the
// cursor is the modifiedTime of the last one; files modified at exactly that
// instant are listed again and skipped by fingerprint.
type Connector struct {
	client   *http.Client
	limiter  *connector.Limiter
	creds    connector.CredentialResolver
	ref      string
	endpoint string
	cache    connector.ResponseCache
}

func New(deps connector.Deps) (connector.Connector, error) {
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Connector{
		client:   client,
		limiter:  deps.Limiter,
		creds:    deps.Credentials,
		ref:      deps.CredentialsRef(),
		endpoint: deps.BaseURL,
		cache:    deps.Cache,
	}, nil
}

func (c *Connector) Kind() types.ConnectorKind {
	return types.CONNECTOR_GDRIVE
}

func (c *Connector) service(ctx context.Context, cred *connector.Credentials) (*drive.Service, error) {
	base := context.WithValue(ctx, oauth2.HTTPClient, c.client)
	opts := []option.ClientOption{
		option.WithHTTPClient(oauth2.NewClient(base, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.Token}))),
	}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(strings.TrimRight(c.endpoint, "/")+"/"))
	}
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.NewKind("gdrive.service", errors.KindConfiguration, "failed to build drive client", err)
	}
	return svc, nil
}

// call runs fn against a drive client built from fresh credentials, taking a
// limiter token first and refreshing once on an auth failure.
func call[T any](ctx context.Context, c *Connector, ref, trace string, fn func(svc *drive.Service) (T, error)) (T, error) {
	return connector.WithAuthRetry(ctx, c.creds, ref, func(cred *connector.Credentials) (T, error) {
		var zero T
		if err := c.limiter.Take(ctx); err != nil {
			return zero, err
		}
		svc, err := c.service(ctx, cred)
		if err != nil {
			return zero, err
		}
		out, err := fn(svc)
		if err != nil {
			return zero, classify(ctx, trace, err)
		}
		return out, nil
	})
}

// classify maps googleapi errors onto error kinds. Drive reports quota
// exhaustion as 403 with a rate limit reason.
func classify(ctx context.Context, trace string, err error) error {
	if ctx.Err() != nil {
		return errors.Trace(trace, ctx.Err())
	}
	var kinded *errors.CustomizedError
	if errors.As(err, &kinded) {
		return errors.Trace(trace, err)
	}
	var gerr *googleapi.Error
	if !stderrors.As(err, &gerr) {
		return errors.NewKind(trace, errors.KindTransient, "drive request failed", err)
	}
	switch {
	case gerr.Code == http.StatusTooManyRequests:
		return &connector.BackPressureError{RetryAfter: time.Second}
	case gerr.Code == http.StatusForbidden:
		for _, item := range gerr.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
				return &connector.BackPressureError{RetryAfter: time.Second}
			}
		}
		return errors.NewKind(trace, errors.KindAuth, gerr.Message, err)
	case gerr.Code == http.StatusUnauthorized:
		return errors.NewKind(trace, errors.KindAuth, gerr.Message, err)
	case gerr.Code == http.StatusNotFound:
		return errors.NewKind(trace, errors.KindNotFound, gerr.Message, err)
	case gerr.Code >= 500:
		return errors.NewKind(trace, errors.KindTransient, gerr.Message, err)
	}
	return errors.NewKind(trace, errors.KindInvalid, gerr.Message, err)
}

func (c *Connector) Validate(ctx context.Context, ref string) (bool, error) {
	about, err := call(ctx, c, ref, "gdrive.Validate", func(svc *drive.Service) (*drive.About, error) {
		return svc.About.Get().Fields("user(emailAddress)").Context(ctx).Do()
	})
	if err != nil {
		if errors.Is(err, errors.KindAuth) {
			return false, nil
		}
		return false, err
	}
	return about.User != nil, nil
}

func indexable(f *drive.File) bool {
	if f.MimeType == mimeFolder || f.Size > maxFileBytes {
		return false
	}
	if _, ok := exportMimes[f.MimeType]; ok {
		return true
	}
	return strings.HasPrefix(f.MimeType, "text/") || f.MimeType == "application/json"
}

func listQuery(folder, cursor string) string {
	q := "'" + strings.ReplaceAll(folder, "'", `\'`) + "' in parents and trashed = false"
	if cursor != "" {
		q += " and modifiedTime >= '" + cursor + "'"
	}
	return q
}

func (c *Connector) page(ctx context.Context, folder, cursor, token string) (*drive.FileList, error) {
	return call(ctx, c, c.ref, "gdrive.ListItems", func(svc *drive.Service) (*drive.FileList, error) {
		req := svc.Files.List().
			Q(listQuery(folder, cursor)).
			OrderBy("modifiedTime").
			PageSize(pageSize).
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true).
			Fields(googleapi.Field(listFields)).
			Context(ctx)
		if token != "" {
			req = req.PageToken(token)
		}
		return req.Do()
	})
}

func (c *Connector) CountItems(ctx context.Context, src *types.Source) (int64, error) {
	var (
		n     int64
		token string
	)
	for {
		list, err := c.page(ctx, src.ExternalRef, "", token)
		if err != nil {
			return 0, err
		}
		for _, f := range list.Files {
			if indexable(f) {
				n++
			}
		}
		if list.NextPageToken == "" {
			return n, nil
		}
		token = list.NextPageToken
	}
}

func (c *Connector) ListItems(ctx context.Context, src *types.Source, cursor string) iter.Seq2[*types.SourceItem, error] {
	return func(yield func(*types.SourceItem, error) bool) {
		var token string
		for first := true; first || token != ""; first = false {
			var (
				list *drive.FileList
				err  error
			)
			for {
				if list, err = c.page(ctx, src.ExternalRef, cursor, token); err == nil {
					break
				}
				if errors.Is(err, errors.KindNotFound) {
					err = errors.NewKind("gdrive.ListItems", errors.KindNotFound, "folder "+src.ExternalRef+" not found", err)
				}
				if !connector.Retry(err, func(e error) bool { return yield(nil, e) }) {
					return
				}
			}
			for _, f := range list.Files {
				if !indexable(f) {
					continue
				}
				if err := ctx.Err(); err != nil {
					yield(nil, errors.Trace("gdrive.ListItems", err))
					return
				}
				item, err := c.item(ctx, src, f)
				for err != nil {
					if _, ok := connector.AsBackPressure(err); !ok {
						break
					}
					if !yield(nil, err) {
						return
					}
					item, err = c.item(ctx, src, f)
				}
				if err != nil {
					if errors.Is(err, errors.KindAuth) {
						yield(nil, err)
						return
					}
					if !yield(nil, &connector.ItemError{ExternalID: f.Id, Err: err}) {
						return
					}
					continue
				}
				if !yield(item, nil) {
					return
				}
			}
			token = list.NextPageToken
		}
	}
}

func (c *Connector) item(ctx context.Context, src *types.Source, f *drive.File) (*types.SourceItem, error) {
	content, err := c.download(ctx, f)
	if err != nil {
		return nil, err
	}
	modified, _ := time.Parse(time.RFC3339, f.ModifiedTime)
	meta := types.Metadata{
		types.META_TITLE:          f.Name,
		types.META_URL:            f.WebViewLink,
		types.META_CONTENT_TYPE:   content.Mime,
		types.META_SOURCE_UPDATED: modified.Unix(),
		"drive_mime_type":         f.MimeType,
	}
	if len(f.Owners) > 0 {
		meta[types.META_AUTHOR] = ownerName(f.Owners[0])
	} else if f.LastModifyingUser != nil {
		meta[types.META_AUTHOR] = ownerName(f.LastModifyingUser)
	}
	text := string(content.Bytes)
	return &types.SourceItem{
		ID:                 types.SourceItemID(src.ID, f.Id),
		TenantID:           src.TenantID,
		SourceID:           src.ID,
		ExternalID:         f.Id,
		Kind:               types.ITEM_DOCUMENT,
		Title:              f.Name,
		Content:            text,
		MimeType:           content.Mime,
		ContentFingerprint: types.ContentHash(f.Name + "\n" + text),
		Metadata:           meta,
		Cursor:             f.ModifiedTime,
		SourceUpdatedAt:    modified.Unix(),
	}, nil
}

func ownerName(u *drive.User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.EmailAddress
}

// download exports native formats and reads everything else as is. Cached by
// file id and revision.
func (c *Connector) download(ctx context.Context, f *drive.File) (*connector.Content, error) {
	key := []string{f.Id, f.ModifiedTime, strconv.FormatInt(f.Version, 10)}
	return connector.CachedContent(ctx, c.cache, fileCacheKind, key, func() (*connector.Content, error) {
		exportMime, native := exportMimes[f.MimeType]
		raw, err := call(ctx, c, c.ref, "gdrive.download", func(svc *drive.Service) ([]byte, error) {
			var (
				resp *http.Response
				err  error
			)
			if native {
				resp, err = svc.Files.Export(f.Id, exportMime).Context(ctx).Download()
			} else {
				resp, err = svc.Files.Get(f.Id).SupportsAllDrives(true).Context(ctx).Download()
			}
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			return connector.ReadLimited("gdrive.download", resp.Body, maxFileBytes)
		})
		if err != nil {
			return nil, err
		}
		mime := f.MimeType
		if native {
			mime = exportMime
		}
		return &connector.Content{Bytes: raw, Mime: mime}, nil
	})
}

func (c *Connector) FetchContent(ctx context.Context, src *types.Source, externalID string) (*connector.Content, error) {
	f, err := call(ctx, c, c.ref, "gdrive.FetchContent", func(svc *drive.Service) (*drive.File, error) {
		return svc.Files.Get(externalID).
			SupportsAllDrives(true).
			Fields("id, name, mimeType, modifiedTime, size, version").
			Context(ctx).
			Do()
	})
	if err != nil {
		return nil, err
	}
	if !indexable(f) {
		return nil, errors.NewKind("gdrive.FetchContent", errors.KindInvalid, "unsupported mime type "+f.MimeType, connector.ErrUnsupported)
	}
	return c.download(ctx, f)
}
