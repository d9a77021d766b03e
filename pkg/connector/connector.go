package connector

import (
	"context"
	stderrors "errors"
	"fmt"
	"iter"
	"net/http"
	"sync"
	"time"

	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/types"
)

// ErrUnsupported is the cause of errors for content a connector cannot read.
var ErrUnsupported = stderrors.New("unsupported content")

type Content struct {
	Bytes []byte `json:"bytes"`
	Mime  string `json:"mime"`
}

// Connector reads one upstream system. Implementations never write to the
// stores; the orchestrator owns persistence.
//
// ListItems yields items in a stable order. Every item carries the cursor
// that resumes the listing right after it. A yielded *BackPressureError is not
// terminal: if the consumer keeps ranging, the listing continues from the same
// position. A yielded *ItemError reports one unreadable item and the listing
// moves on. Any other error ends the sequence.
type Connector interface {
	Kind() types.ConnectorKind
	Validate(ctx context.Context, credentialsRef string) (bool, error)
	ListItems(ctx context.Context, src *types.Source, cursor string) iter.Seq2[*types.SourceItem, error]
	FetchContent(ctx context.Context, src *types.Source, externalID string) (*Content, error)
}

// ItemError is a failure confined to one upstream item.
type ItemError struct {
	ExternalID string
	Err        error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %s: %v", e.ExternalID, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// AsItemError reports whether err is confined to a single item.
func AsItemError(err error) (*ItemError, bool) {
	var ie *ItemError
	ok := stderrors.As(err, &ie)
	return ie, ok
}

// BranchLister is implemented by code repository connectors.
type BranchLister interface {
	ListBranches(ctx context.Context, src *types.Source) ([]types.Branch, error)
}

// SnapshotLister is implemented by connectors whose cursor orders items by
// name rather than by change time. Such a listing is always taken from the
// start; the content fingerprint decides what gets reindexed.
type SnapshotLister interface {
	SnapshotListing(src *types.Source) bool
}

// Counter is implemented by connectors that can tell the size of a listing up front.
type Counter interface {
	CountItems(ctx context.Context, src *types.Source) (int64, error)
}

// ResponseCache memoizes upstream responses under content addressed keys.
type ResponseCache interface {
	GetConnector(ctx context.Context, kind string, fields ...string) ([]byte, bool)
	SetConnector(ctx context.Context, kind string, value []byte, fields ...string)
}

// Deps is what a factory receives to build a connector for one account.
type Deps struct {
	Account     *types.ConnectedAccount
	Credentials CredentialResolver
	Limiter     *Limiter
	Cache       ResponseCache
	HTTPClient  *http.Client
	// BaseURL overrides the public API endpoint.
	BaseURL string
	Timeout time.Duration
}

func (d Deps) CredentialsRef() string {
	if d.Account == nil {
		return ""
	}
	return d.Account.CredentialsRef
}

type Factory func(deps Deps) (Connector, error)

// Registry maps connector kinds to factories and carries the shared per-kind
// limiters, credential store and response cache.
type Registry struct {
	mu          sync.RWMutex
	factories   map[types.ConnectorKind]Factory
	limiters    map[types.ConnectorKind]*Limiter
	baseURLs    map[types.ConnectorKind]string
	credentials CredentialResolver
	cache       ResponseCache
	client      *http.Client
	timeout     time.Duration
}

type RegistryOption func(r *Registry)

func WithCredentials(c CredentialResolver) RegistryOption {
	return func(r *Registry) {
		r.credentials = c
	}
}

func WithResponseCache(c ResponseCache) RegistryOption {
	return func(r *Registry) {
		r.cache = c
	}
}

func WithHTTPClient(c *http.Client) RegistryOption {
	return func(r *Registry) {
		r.client = c
	}
}

func WithTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.timeout = d
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		factories:   map[types.ConnectorKind]Factory{},
		limiters:    map[types.ConnectorKind]*Limiter{},
		baseURLs:    map[types.ConnectorKind]string{},
		credentials: NewStaticCredentials(nil),
		timeout:     30 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	if r.client == nil {
		r.client = &http.Client{Timeout: r.timeout}
	}
	return r
}

func (r *Registry) Register(kind types.ConnectorKind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

func (r *Registry) SetLimiter(kind types.ConnectorKind, l *Limiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[kind] = l
}

func (r *Registry) SetBaseURL(kind types.ConnectorKind, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.baseURLs[kind] = url
}

func (r *Registry) Kinds() []types.ConnectorKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ConnectorKind, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	return out
}

func (r *Registry) Credentials() CredentialResolver {
	return r.credentials
}

// New builds the connector serving account.
func (r *Registry) New(account *types.ConnectedAccount) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[account.ConnectorKind]
	limiter := r.limiters[account.ConnectorKind]
	baseURL := r.baseURLs[account.ConnectorKind]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NewKind("Registry.New", errors.KindConfiguration,
			fmt.Sprintf("unknown connector kind %q", account.ConnectorKind), nil)
	}
	return f(Deps{
		Account:     account,
		Credentials: r.credentials,
		Limiter:     limiter,
		Cache:       r.cache,
		HTTPClient:  r.client,
		BaseURL:     baseURL,
		Timeout:     r.timeout,
	})
}
