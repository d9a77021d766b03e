package decision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"

	"github.com/quka-ai/conhub/pkg/errors"
	"github.com/quka-ai/conhub/pkg/metrics"
	"github.com/quka-ai/conhub/pkg/types"
	"github.com/quka-ai/conhub/pkg/utils"
)

type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, string, error)
}

type VectorSearcher interface {
	Search(ctx context.Context, vector []float32, topK int, filter types.VectorFilter) ([]*types.VectorHit, error)
}

type GraphSearcher interface {
	Search(ctx context.Context, terms []string, filter types.GraphFilter, topK int) ([]*types.GraphHit, error)
	Expand(ctx context.Context, tenantID string, seedChunkIDs []string, maxHops int, relTypes []types.RelType, maxNodes int) ([]*types.GraphHit, error)
}

type ChunkFetcher interface {
	FetchByIDs(ctx context.Context, tenantID string, ids []string) (map[string]*types.Chunk, error)
}

type ResultCache interface {
	Generation(ctx context.Context, tenantID string) int64
	GetQueryResult(ctx context.Context, tenantID, fingerprint string) (*types.ContextResponse, bool)
	SetQueryResult(ctx context.Context, tenantID string, generation int64, fingerprint string, resp *types.ContextResponse)
}

type Config struct {
	DefaultTopK    int             `toml:"default_top_k"`
	MaxTopK        int             `toml:"max_top_k"`
	Timeout        time.Duration   `toml:"timeout"`
	HydrateTimeout time.Duration   `toml:"hydrate_timeout"`
	HybridHops     int             `toml:"hybrid_hops"`
	HybridRelTypes []types.RelType `toml:"hybrid_rel_types"`
	MaxExpandNodes int             `toml:"max_expand_nodes"`
	// Relative shares of the query deadline.
	EmbedWeight  float64 `toml:"embed_weight"`
	VectorWeight float64 `toml:"vector_weight"`
	GraphWeight  float64 `toml:"graph_weight"`
}

func DefaultConfig() Config {
	return Config{
		DefaultTopK:    10,
		MaxTopK:        100,
		Timeout:        10 * time.Second,
		HydrateTimeout: 10 * time.Second,
		HybridHops:     2,
		HybridRelTypes: []types.RelType{types.REL_MENTIONS, types.REL_BELONGS_TO, types.REL_REFERENCES},
		MaxExpandNodes: 50,
		EmbedWeight:    1,
		VectorWeight:   1,
		GraphWeight:    2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = d.DefaultTopK
	}
	if c.MaxTopK <= 0 {
		c.MaxTopK = d.MaxTopK
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.HydrateTimeout <= 0 {
		c.HydrateTimeout = d.HydrateTimeout
	}
	if c.HybridHops <= 0 {
		c.HybridHops = d.HybridHops
	}
	if len(c.HybridRelTypes) == 0 {
		c.HybridRelTypes = d.HybridRelTypes
	}
	if c.MaxExpandNodes <= 0 {
		c.MaxExpandNodes = d.MaxExpandNodes
	}
	if c.EmbedWeight <= 0 {
		c.EmbedWeight = d.EmbedWeight
	}
	if c.VectorWeight <= 0 {
		c.VectorWeight = d.VectorWeight
	}
	if c.GraphWeight <= 0 {
		c.GraphWeight = d.GraphWeight
	}
	return c
}

// Engine answers context queries over the vector index and the entity graph.
type Engine struct {
	cfg     Config
	embed   QueryEmbedder
	vectors VectorSearcher
	graph   GraphSearcher
	chunks  ChunkFetcher
	cache   ResultCache
	latency *prometheus.HistogramVec
}

type Option func(*Engine)

func WithCache(c ResultCache) Option {
	return func(e *Engine) {
		e.cache = c
	}
}

func New(cfg Config, embed QueryEmbedder, vectors VectorSearcher, graph GraphSearcher, chunks ChunkFetcher, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg.withDefaults(),
		embed:   embed,
		vectors: vectors,
		graph:   graph,
		chunks:  chunks,
		latency: metrics.NewHistogramVec("query_duration_seconds", []string{"strategy", "result"}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// candidate is an unhydrated result.
type candidate struct {
	chunkID    string
	score      float64
	provenance types.Provenance
	payload    *types.VectorPayload
}

func (e *Engine) normalize(q types.ContextQuery) (types.ContextQuery, error) {
	if q.TenantID == "" {
		return q, errors.NewKind("decision.Query", errors.KindInvalid, "tenant id is required", nil)
	}
	q.Query = utils.NormalizeSpace(q.Query)
	if q.Query == "" {
		return q, errors.NewKind("decision.Query", errors.KindInvalid, "query text is empty", nil)
	}
	if q.Strategy == "" {
		q.Strategy = types.STRATEGY_AUTO
	}
	if !q.Strategy.Valid() {
		return q, errors.NewKind("decision.Query", errors.KindInvalid, "unknown strategy "+string(q.Strategy), nil)
	}
	if q.TopK <= 0 {
		q.TopK = e.cfg.DefaultTopK
	}
	q.TopK = min(q.TopK, e.cfg.MaxTopK)
	if q.Timeout <= 0 {
		q.Timeout = e.cfg.Timeout
	}
	return q, nil
}

// Fingerprint identifies a query within its tenant's cache namespace.
func Fingerprint(q types.ContextQuery, strategy types.Strategy) string {
	f := q.Filters
	f.ConnectorKinds = sorted(f.ConnectorKinds)
	f.SourceIDs = sorted(f.SourceIDs)
	f.BlockTypes = sorted(f.BlockTypes)
	f.Tags = sorted(f.Tags)
	filters, _ := json.Marshal(f)

	h := sha256.New()
	for _, part := range []string{q.TenantID, strings.ToLower(utils.NormalizeSpace(q.Query)), string(filters), q.RobotID, string(strategy), strconv.Itoa(q.TopK)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sorted[T ~string](in []T) []T {
	out := slices.Clone(in)
	slices.Sort(out)
	return out
}

// Query runs q with its own deadline. Budget expiry after the vector phase
// yields a partial response; earlier expiry is a budget error.
func (e *Engine) Query(ctx context.Context, q types.ContextQuery) (*types.ContextResponse, error) {
	start := time.Now()
	q, err := e.normalize(q)
	if err != nil {
		return nil, err
	}

	analysis := Analyze(q.Query)
	strategy := q.Strategy
	if strategy == types.STRATEGY_AUTO {
		strategy = analysis.Strategy
	}

	fingerprint := Fingerprint(q, strategy)
	var generation int64
	if e.cache != nil {
		if resp, ok := e.cache.GetQueryResult(ctx, q.TenantID, fingerprint); ok {
			resp.Cached = true
			resp.TookMS = time.Since(start).Milliseconds()
			e.observe(strategy, "cached", start)
			return resp, nil
		}
		generation = e.cache.Generation(ctx, q.TenantID)
	}

	qctx, cancel := context.WithTimeout(ctx, q.Timeout)
	defer cancel()

	var (
		cands   []candidate
		partial bool
	)
	switch strategy {
	case types.STRATEGY_VECTOR:
		cands, err = e.vectorPhase(qctx, q, q.TopK, newBudget(qctx, e.cfg.EmbedWeight, e.cfg.VectorWeight))
	case types.STRATEGY_GRAPH:
		cands, err = e.graphPhase(qctx, q, analysis.Terms, newBudget(qctx, e.cfg.GraphWeight))
	case types.STRATEGY_HYBRID:
		cands, partial, err = e.hybridPhase(qctx, q, newBudget(qctx, e.cfg.EmbedWeight, e.cfg.VectorWeight, e.cfg.GraphWeight))
	}
	if err != nil {
		e.observe(strategy, string(errors.KindOf(err)), start)
		return nil, err
	}

	blocks, err := e.hydrate(ctx, q, strategy, cands)
	if err != nil {
		e.observe(strategy, string(errors.KindOf(err)), start)
		return nil, err
	}
	resp := &types.ContextResponse{
		StrategyUsed: strategy,
		Blocks:       blocks,
		Total:        len(blocks),
		TookMS:       time.Since(start).Milliseconds(),
		Partial:      partial,
	}
	if e.cache != nil && !partial {
		e.cache.SetQueryResult(ctx, q.TenantID, generation, fingerprint, resp)
	}
	result := "ok"
	if partial {
		result = "partial"
	}
	e.observe(strategy, result, start)
	slog.Debug("query answered", slog.String("tenant_id", q.TenantID), slog.String("strategy", string(strategy)),
		slog.Int("blocks", len(blocks)), slog.Bool("partial", partial), slog.Int64("took_ms", resp.TookMS))
	return resp, nil
}

// QueryRobotMemory answers q inside a single robot's partition.
func (e *Engine) QueryRobotMemory(ctx context.Context, robotID string, q types.ContextQuery) (*types.ContextResponse, error) {
	if robotID == "" {
		return nil, errors.NewKind("decision.QueryRobotMemory", errors.KindInvalid, "robot id is required", nil)
	}
	q.RobotID = robotID
	return e.Query(ctx, q)
}

func (e *Engine) observe(strategy types.Strategy, result string, start time.Time) {
	e.latency.WithLabelValues(string(strategy), result).Observe(time.Since(start).Seconds())
}

// phaseError reports a phase that ran out of its share of the deadline as a budget error.
func phaseError(trace string, phase context.Context, err error) error {
	if phase.Err() != nil {
		return errors.NewKind(trace, errors.KindBudget, "query deadline exceeded", err)
	}
	return errors.Trace(trace, err)
}

func (e *Engine) vectorPhase(ctx context.Context, q types.ContextQuery, topK int, b *budget) ([]candidate, error) {
	embedCtx, cancel := b.next(ctx)
	vec, modelSet, err := e.embed.EmbedQuery(embedCtx, q.Query)
	cancel()
	if err != nil {
		return nil, phaseError("decision.vector.EmbedQuery", embedCtx, err)
	}

	searchCtx, cancel := b.next(ctx)
	defer cancel()
	hits, err := e.vectors.Search(searchCtx, vec, topK, q.VectorFilter())
	if err != nil {
		return nil, phaseError("decision.vector.Search", searchCtx, err)
	}
	return lo.Map(hits, func(h *types.VectorHit, _ int) candidate {
		payload := h.Payload
		return candidate{
			chunkID: h.ChunkID,
			score:   h.Score,
			payload: &payload,
			provenance: types.Provenance{
				Kind:              types.PROVENANCE_VECTOR,
				Similarity:        h.Score,
				EmbeddingModelSet: lo.CoalesceOrEmpty(h.Payload.ModelSet, modelSet),
			},
		}
	}), nil
}

func graphCandidates(hits []*types.GraphHit) []candidate {
	return lo.Map(hits, func(h *types.GraphHit, _ int) candidate {
		return candidate{
			chunkID: h.ChunkID,
			score:   h.Score,
			provenance: types.Provenance{
				Kind:              types.PROVENANCE_GRAPH,
				Path:              h.Path,
				Distance:          h.Distance,
				RelationshipTypes: h.RelationshipTypes,
			},
		}
	})
}

func (e *Engine) graphPhase(ctx context.Context, q types.ContextQuery, terms []string, b *budget) ([]candidate, error) {
	gctx, cancel := b.next(ctx)
	defer cancel()
	// filters are applied after hydration, so ask for more than top_k
	hits, err := e.graph.Search(gctx, terms, types.GraphFilter{TenantID: q.TenantID}, q.TopK*3)
	if err != nil {
		return nil, phaseError("decision.graph.Search", gctx, err)
	}
	return graphCandidates(hits), nil
}

func (e *Engine) hybridPhase(ctx context.Context, q types.ContextQuery, b *budget) ([]candidate, bool, error) {
	seeds, err := e.vectorPhase(ctx, q, (q.TopK+1)/2, b)
	if err != nil {
		return nil, false, err
	}
	if len(seeds) == 0 {
		return nil, false, nil
	}

	gctx, cancel := b.next(ctx)
	defer cancel()
	seedIDs := lo.Map(seeds, func(c candidate, _ int) string { return c.chunkID })
	hits, err := e.graph.Expand(gctx, q.TenantID, seedIDs, e.cfg.HybridHops, e.cfg.HybridRelTypes, e.cfg.MaxExpandNodes)
	if err != nil {
		// the vector phase completed; answer with what it found
		slog.Warn("graph expansion failed, returning vector results only", slog.String("tenant_id", q.TenantID),
			slog.Bool("deadline", gctx.Err() != nil), slog.String("error", err.Error()))
		return seeds, true, nil
	}
	return merge(seeds, graphCandidates(hits), q.TopK), false, nil
}

// merge dedupes by chunk id keeping the first list's entry, sorts by score
// and truncates to topK.
func merge(primary, secondary []candidate, topK int) []candidate {
	seen := make(map[string]struct{}, len(primary)+len(secondary))
	out := make([]candidate, 0, len(primary)+len(secondary))
	for _, list := range [][]candidate{primary, secondary} {
		for _, c := range list {
			if _, ok := seen[c.chunkID]; ok {
				continue
			}
			seen[c.chunkID] = struct{}{}
			out = append(out, c)
		}
	}
	sortCandidates(out)
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

func sortCandidates(list []candidate) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		return list[i].chunkID < list[j].chunkID
	})
}

// hydrate fetches the chunk text in one batch. Blocks whose chunk is gone or
// belongs to another tenant are dropped.
func (e *Engine) hydrate(ctx context.Context, q types.ContextQuery, strategy types.Strategy, cands []candidate) ([]types.ContextBlock, error) {
	if len(cands) == 0 {
		return []types.ContextBlock{}, nil
	}
	// partial answers are still hydrated after the query deadline
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.HydrateTimeout)
	defer cancel()

	ids := lo.Uniq(lo.Map(cands, func(c candidate, _ int) string { return c.chunkID }))
	chunks, err := e.chunks.FetchByIDs(hctx, q.TenantID, ids)
	if err != nil {
		return nil, errors.Trace("decision.hydrate.FetchByIDs", err)
	}

	filter := q.VectorFilter()
	blocks := make([]types.ContextBlock, 0, len(cands))
	for _, c := range cands {
		chunk, ok := chunks[c.chunkID]
		if !ok || chunk.TenantID != q.TenantID {
			slog.Error("dropping result without chunk", slog.String("tenant_id", q.TenantID),
				slog.String("chunk_id", c.chunkID), slog.String("kind", string(errors.KindDataIntegrity)))
			continue
		}
		payload := c.payload
		if payload == nil {
			p := types.PayloadForChunk(chunk, "")
			if !filter.Match(p) {
				continue
			}
			payload = &p
		}
		blocks = append(blocks, types.ContextBlock{
			ChunkID: chunk.ChunkID,
			Source: types.BlockSource{
				SourceID:      chunk.SourceID,
				SourceItemID:  chunk.SourceItemID,
				ConnectorKind: payload.ConnectorKind,
				BlockType:     chunk.BlockType,
				Language:      chunk.Language,
				Metadata:      chunk.Metadata,
			},
			Content:    chunk.Content,
			Score:      c.score,
			Provenance: c.provenance,
		})
		if strategy == types.STRATEGY_GRAPH && len(blocks) == q.TopK {
			break
		}
	}
	return blocks, nil
}

// budget hands out consecutive slices of a deadline. Each phase gets its
// weight's share of the time left, so time a phase leaves unused carries over.
type budget struct {
	deadline time.Time
	weights  []float64
}

func newBudget(ctx context.Context, weights ...float64) *budget {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultConfig().Timeout)
	}
	return &budget{deadline: deadline, weights: weights}
}

func (b *budget) next(ctx context.Context) (context.Context, context.CancelFunc) {
	if len(b.weights) == 0 {
		return context.WithDeadline(ctx, b.deadline)
	}
	total := lo.Sum(b.weights)
	share := b.weights[0] / total
	b.weights = b.weights[1:]
	left := time.Until(b.deadline)
	return context.WithTimeout(ctx, time.Duration(float64(left)*share))
}
