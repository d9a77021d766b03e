package embedding

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Normalize scales v to unit L2 length in place. Zero vectors are left as is.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// projector maps vectors between dimensions with a fixed Gaussian random
// matrix. The matrix depends only on (from, to), so every process projects
// the same vector to the same point.
type projector struct {
	matrices cmap.ConcurrentMap[string, [][]float32]
}

func newProjector() *projector {
	return &projector{matrices: cmap.New[[][]float32]()}
}

func (p *projector) project(v []float32, to int) []float32 {
	from := len(v)
	if from == to {
		return v
	}
	m := p.matrix(from, to)
	out := make([]float32, to)
	for i := 0; i < to; i++ {
		row := m[i]
		var acc float64
		for j, x := range v {
			acc += float64(row[j]) * float64(x)
		}
		out[i] = float32(acc)
	}
	return out
}

func (p *projector) matrix(from, to int) [][]float32 {
	key := fmt.Sprintf("%d>%d", from, to)
	if m, ok := p.matrices.Get(key); ok {
		return m
	}
	h := fnv.New64a()
	h.Write([]byte(key))
	seed := h.Sum64()
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	scale := 1 / math.Sqrt(float64(to))
	m := make([][]float32, to)
	for i := range m {
		row := make([]float32, from)
		for j := range row {
			row[j] = float32(rng.NormFloat64() * scale)
		}
		m[i] = row
	}
	p.matrices.SetIfAbsent(key, m)
	m, _ = p.matrices.Get(key)
	return m
}

// fuse combines the per-model vectors of one text. Each vector is
// normalized, projected to dim when needed, weighted and summed; the sum is
// renormalized. Weights are rescaled to sum to one over the models present.
func (p *projector) fuse(vectors [][]float32, weights []float64, dim int) []float32 {
	var total float64
	for i, v := range vectors {
		if v != nil {
			total += weights[i]
		}
	}
	out := make([]float32, dim)
	if total == 0 {
		return out
	}
	for i, v := range vectors {
		if v == nil {
			continue
		}
		w := weights[i] / total
		unit := Normalize(append([]float32(nil), v...))
		if len(unit) != dim {
			unit = Normalize(p.project(unit, dim))
		}
		for j := range out {
			out[j] += float32(w) * unit[j]
		}
	}
	return Normalize(out)
}

func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
