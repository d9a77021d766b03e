package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/metrics"
	"github.com/quka-ai/conhub/pkg/types"
	"github.com/quka-ai/conhub/pkg/types/protocol"
)

// Provider embeds texts with one named model. Implementations classify their
// errors with errors.Kind so that only transient failures are retried.
type Provider interface {
	Name() string
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// VectorCache memoizes fused vectors by content fingerprint.
type VectorCache interface {
	GetVector(ctx context.Context, key string) ([]float32, bool)
	SetVector(ctx context.Context, key string, vec []float32)
}

type Config struct {
	MaxBatch       int
	InFlight       int64
	Timeout        time.Duration
	Attempts       uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxBatch:       256,
		InFlight:       64,
		Timeout:        5 * time.Second,
		Attempts:       3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

type Result struct {
	Vectors   [][]float32
	Profile   string
	ModelSet  string
	Dim       int
	Degraded  []string
	CacheHits int
}

type Service struct {
	cfg       Config
	profiles  *Profiles
	providers map[string]Provider
	fallback  Provider
	cache     VectorCache
	sem       *semaphore.Weighted
	proj      *projector
	latency   *prometheus.HistogramVec
}

type Option func(*Service)

func WithCache(c VectorCache) Option {
	return func(s *Service) {
		s.cache = c
	}
}

func WithProvider(p Provider) Option {
	return func(s *Service) {
		s.providers[p.Name()] = p
		if s.fallback == nil {
			s.fallback = p
		}
	}
}

func NewService(cfg Config, profiles *Profiles, opts ...Option) *Service {
	d := DefaultConfig()
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = d.MaxBatch
	}
	if cfg.InFlight <= 0 {
		cfg.InFlight = d.InFlight
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = d.Attempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = d.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = d.MaxBackoff
	}
	s := &Service{
		cfg:       cfg,
		profiles:  profiles,
		providers: map[string]Provider{},
		sem:       semaphore.NewWeighted(cfg.InFlight),
		proj:      newProjector(),
		latency:   metrics.NewHistogramVec("embedding_call_seconds", []string{"model", "result"}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Profiles() *Profiles {
	return s.profiles
}

// Embed returns one fused vector per text. Batches above the configured
// maximum are rejected; callers split them.
func (s *Service) Embed(ctx context.Context, cp types.ContentProfile, texts []string) (*Result, error) {
	if len(texts) > s.cfg.MaxBatch {
		return nil, errors.NewKind("Service.Embed", errors.KindInvalid,
			fmt.Sprintf("batch of %d texts exceeds the limit of %d", len(texts), s.cfg.MaxBatch), nil)
	}
	profile, err := s.profiles.Select(cp)
	if err != nil {
		return nil, errors.Trace("Service.Embed", err)
	}

	res := &Result{
		Vectors:  make([][]float32, len(texts)),
		Profile:  profile.Name,
		ModelSet: profile.ModelSet(),
	}
	if len(texts) == 0 {
		return res, nil
	}

	cacheNS := profile.Name + "/" + profile.ModelSet() + "/" + strconv.Itoa(profile.TargetDim)
	missing := make([]int, 0, len(texts))
	for i, t := range texts {
		if s.cache != nil {
			if v, ok := s.cache.GetVector(ctx, protocol.GenChunkVectorKey(types.ContentHash(t), cacheNS)); ok && len(v) > 0 {
				res.Vectors[i] = v
				res.CacheHits++
				continue
			}
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		res.Dim = len(res.Vectors[0])
		return res, nil
	}

	batch := make([]string, len(missing))
	for k, i := range missing {
		batch[k] = texts[i]
	}

	perModel := make([][][]float32, len(profile.Models))
	errs := make([]error, len(profile.Models))
	var g errgroup.Group
	for i, m := range profile.Models {
		g.Go(func() error {
			perModel[i], errs[i] = s.callModel(ctx, m, batch)
			return nil
		})
	}
	_ = g.Wait()

	if errs[0] != nil {
		return nil, errors.New("Service.Embed", fmt.Sprintf("primary model %s failed", profile.Models[0].Name), errs[0])
	}

	weights := make([]float64, len(profile.Models))
	used := make([]string, 0, len(profile.Models))
	for i, m := range profile.Models {
		weights[i] = m.Weight
		if errs[i] != nil {
			slog.Warn("embedding model failed, redistributing its weight",
				slog.String("profile", profile.Name),
				slog.String("model", m.Name),
				slog.String("error", errs[i].Error()))
			perModel[i] = nil
			res.Degraded = append(res.Degraded, m.Name)
			continue
		}
		used = append(used, m.Name)
	}

	dim := profile.TargetDim
	if dim == 0 {
		for i, vecs := range perModel {
			if len(vecs) == 0 {
				continue
			}
			if dim == 0 {
				dim = len(vecs[0])
			} else if len(vecs[0]) != dim {
				return nil, errors.NewKind("Service.Embed", errors.KindConfiguration,
					fmt.Sprintf("profile %s mixes dimensions (%d vs %d from %s) without target_dim", profile.Name, dim, len(vecs[0]), profile.Models[i].Name), nil)
			}
		}
	}

	for k, idx := range missing {
		vs := make([][]float32, len(perModel))
		for i := range perModel {
			if perModel[i] != nil {
				vs[i] = perModel[i][k]
			}
		}
		vec := s.proj.fuse(vs, weights, dim)
		res.Vectors[idx] = vec
		if s.cache != nil && len(res.Degraded) == 0 {
			s.cache.SetVector(ctx, protocol.GenChunkVectorKey(types.ContentHash(texts[idx]), cacheNS), vec)
		}
	}
	res.Dim = dim
	if len(res.Degraded) > 0 {
		res.ModelSet = strings.Join(used, "+")
	}
	return res, nil
}

// EmbedQuery embeds a single query with the query profile.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, string, error) {
	res, err := s.Embed(ctx, types.QueryProfile, []string{text})
	if err != nil {
		return nil, "", err
	}
	return res.Vectors[0], res.ModelSet, nil
}

func (s *Service) provider(m ModelSpec) (Provider, error) {
	if m.Provider == "" {
		if s.fallback != nil {
			return s.fallback, nil
		}
	} else if p, ok := s.providers[m.Provider]; ok {
		return p, nil
	}
	return nil, errors.NewKind("Service.provider", errors.KindConfiguration,
		fmt.Sprintf("no embedding provider %q for model %s", m.Provider, m.Name), nil)
}

func (s *Service) callModel(ctx context.Context, m ModelSpec, texts []string) ([][]float32, error) {
	p, err := s.provider(m)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	vecs, err := retry.DoWithData(func() ([][]float32, error) {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, errors.New("Service.callModel", "waiting for an embedding slot", err)
		}
		defer s.sem.Release(1)

		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		v, err := p.Embed(attemptCtx, m.Name, texts)
		if err != nil {
			if attemptCtx.Err() != nil && ctx.Err() == nil {
				return nil, errors.NewKind("Service.callModel", errors.KindTransient, "embedding call timed out", err)
			}
			return nil, err
		}
		if len(v) != len(texts) {
			return nil, errors.NewKind("Service.callModel", errors.KindTransient,
				fmt.Sprintf("model %s returned %d vectors for %d texts", m.Name, len(v), len(texts)), nil)
		}
		return v, nil
	},
		retry.Context(ctx),
		retry.Attempts(s.cfg.Attempts),
		retry.Delay(s.cfg.InitialBackoff),
		retry.MaxDelay(s.cfg.MaxBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(errors.Retryable),
		retry.LastErrorOnly(true),
	)

	result := "ok"
	if err != nil {
		result = string(errors.KindOf(err))
	}
	s.latency.WithLabelValues(m.Name, result).Observe(time.Since(start).Seconds())
	return vecs, err
}
