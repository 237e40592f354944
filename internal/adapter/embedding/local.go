package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"unicode"
)

// LocalEmbedder produces deterministic bag-of-words hash projections.
// It needs no network backend, which makes it the reference implementation
// for tests and air-gapped deployments. Identical text always yields a
// bit-identical vector, and each text is embedded independently, so batch
// boundaries cannot affect the output.
type LocalEmbedder struct {
	dimension int
}

const localModelName = "hash-projection-v1"

// hashSlots is the number of (position, sign) pairs derived per token.
const hashSlots = 4

func NewLocalEmbedder(dimension int) *LocalEmbedder {
	if dimension <= 0 {
		dimension = 384
	}
	return &LocalEmbedder{dimension: dimension}
}

func (e *LocalEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vectors[i] = e.embedOne(text)
	}
	return vectors, nil
}

func (e *LocalEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.embedOne(text), nil
}

func (e *LocalEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, e.dimension)

	for _, token := range tokenize(text) {
		sum := sha256.Sum256([]byte(token))
		for slot := 0; slot < hashSlots; slot++ {
			chunk := sum[slot*8 : slot*8+8]
			pos := binary.BigEndian.Uint32(chunk[:4]) % uint32(e.dimension)
			if chunk[4]&1 == 0 {
				vec[pos]++
			} else {
				vec[pos]--
			}
		}
	}

	normalize(vec)
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vec []float32) {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
}

func (e *LocalEmbedder) Dimension() int {
	return e.dimension
}

func (e *LocalEmbedder) ModelName() string {
	return localModelName
}
