package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

const HashProviderName = "hash"

// HashProvider is an offline provider based on feature hashing of word and
// character-trigram tokens. It needs no network and is used in local mode and
// tests; its similarity is lexical, not semantic.
type HashProvider struct {
	Dim int
}

func NewHashProvider(dim int) *HashProvider {
	if dim <= 0 {
		dim = 256
	}
	return &HashProvider{Dim: dim}
}

func (p *HashProvider) Name() string {
	return HashProviderName
}

func (p *HashProvider) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = p.vector(model, t)
	}
	return out, nil
}

func (p *HashProvider) vector(model, text string) []float32 {
	v := make([]float32, p.Dim)
	add := func(tok string, w float32) {
		h := fnv.New32a()
		h.Write([]byte(model))
		h.Write([]byte{0})
		h.Write([]byte(tok))
		sum := h.Sum32()
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		v[int(sum>>1)%p.Dim] += sign * w
	}
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	}) {
		add("w:"+word, 1)
		r := []rune(word)
		for i := 0; i+3 <= len(r); i++ {
			add("t:"+string(r[i:i+3]), 0.25)
		}
	}
	return Normalize(v)
}
