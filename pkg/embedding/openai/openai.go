package openai

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/quka-ai/conhub/pkg/errors"
)

const (
	NAME = "openai"

	// requests are split so one call never exceeds the provider's input limit
	batchMax = 96
)

// Driver talks to any OpenAI-compatible embeddings endpoint.
type Driver struct {
	client     *openai.Client
	name       string
	dimensions int
}

// New creates a driver; dimensions > 0 asks models that support it for
// shortened vectors.
func New(name, token, endpoint string, dimensions int) *Driver {
	cfg := openai.DefaultConfig(token)
	if endpoint != "" {
		cfg.BaseURL = endpoint
	}
	if name == "" {
		name = NAME
	}
	return &Driver{
		client:     openai.NewClientWithConfig(cfg),
		name:       name,
		dimensions: dimensions,
	}
}

func (s *Driver) Name() string {
	return s.name
}

func (s *Driver) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	slog.Debug("Embedding", slog.String("driver", s.name), slog.String("model", model), slog.Int("texts", len(texts)))
	req := openai.EmbeddingRequest{
		Model:      openai.EmbeddingModel(model),
		Dimensions: s.dimensions,
	}

	result := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchMax {
		end := min(start+batchMax, len(texts))
		req.Input = texts[start:end]
		resp, err := s.client.CreateEmbeddings(ctx, req)
		if err != nil {
			return nil, classify(err)
		}
		if len(resp.Data) != end-start {
			return nil, errors.NewKind("openai.Embed", errors.KindTransient,
				fmt.Sprintf("expected %d embeddings, got %d", end-start, len(resp.Data)), nil)
		}
		batch := make([][]float32, end-start)
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(batch) {
				return nil, errors.NewKind("openai.Embed", errors.KindTransient, fmt.Sprintf("embedding index %d out of range", d.Index), nil)
			}
			batch[d.Index] = d.Embedding
		}
		result = append(result, batch...)
	}
	return result, nil
}

func classify(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case stderrors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case stderrors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	kind := errors.KindTransient
	switch {
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		kind = errors.KindBudget
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = errors.KindAuth
	case status == http.StatusNotFound:
		kind = errors.KindConfiguration
	case status == http.StatusTooManyRequests || status >= 500:
		kind = errors.KindTransient
	case status >= 400:
		kind = errors.KindInvalid
	default:
		var netErr net.Error
		if !stderrors.As(err, &netErr) && status != 0 {
			kind = errors.KindInternal
		}
	}
	return errors.NewKind("openai.Embed", kind, "embedding request failed", err)
}
