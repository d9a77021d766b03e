package srv

import (
	"log/slog"
	"time"

	"github.com/quka-ai/conhub/pkg/embedding"
	"github.com/quka-ai/conhub/pkg/embedding/openai"
)

const (
	defaultEmbeddingModel = "text-embedding-3-small"
	defaultHashDimensions = 256
)

type EmbeddingConfig struct {
	// Endpoint of an OpenAI compatible embeddings API. Empty selects the
	// local hashing provider.
	Endpoint    string `toml:"endpoint"`
	Token       string `toml:"token"`
	Model       string `toml:"model"`
	Dimensions  int    `toml:"dimensions"`
	ProfilePath string `toml:"profile_path"`

	InFlight       int64         `toml:"in_flight"`
	Timeout        time.Duration `toml:"timeout"`
	Attempts       uint          `toml:"attempts"`
	InitialBackoff time.Duration `toml:"initial_backoff"`
	MaxBackoff     time.Duration `toml:"max_backoff"`
}

// SetupEmbedding builds the fusion service. Profiles come from ProfilePath
// when set, otherwise every profile routes to the single configured model.
func SetupEmbedding(cfg EmbeddingConfig, cache embedding.VectorCache) (*embedding.Service, error) {
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = defaultHashDimensions
	}

	var (
		opts     []embedding.Option
		provider = embedding.HashProviderName
		model    = cfg.Model
	)
	if cfg.Endpoint != "" {
		opts = append(opts, embedding.WithProvider(openai.New(openai.NAME, cfg.Token, cfg.Endpoint, cfg.Dimensions)))
		provider = openai.NAME
		if model == "" {
			model = defaultEmbeddingModel
		}
	} else {
		slog.Warn("no embedding endpoint configured, using the local hashing provider")
		if model == "" {
			model = "local"
		}
	}
	// profiles may still name the hashing provider explicitly
	opts = append(opts, embedding.WithProvider(embedding.NewHashProvider(dims)))
	if cache != nil {
		opts = append(opts, embedding.WithCache(cache))
	}

	profiles := embedding.DefaultProfiles(provider, model)
	if cfg.ProfilePath != "" {
		var err error
		if profiles, err = embedding.LoadProfiles(cfg.ProfilePath); err != nil {
			return nil, err
		}
	}

	return embedding.NewService(embedding.Config{
		InFlight:       cfg.InFlight,
		Timeout:        cfg.Timeout,
		Attempts:       cfg.Attempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}, profiles, opts...), nil
}

// ApplyEmbedding panics on a broken profile file; startup cannot continue without one.
func ApplyEmbedding(cfg EmbeddingConfig, cache embedding.VectorCache) ApplyFunc {
	return func(s *Srv) {
		svc, err := SetupEmbedding(cfg, cache)
		if err != nil {
			panic(err)
		}
		s.embedding = svc
	}
}
