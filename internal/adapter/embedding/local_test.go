package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalEmbedderDeterministic(t *testing.T) {
	e := NewLocalEmbedder(64)
	ctx := context.Background()

	first, err := e.Embed(ctx, []string{"diabetes follow-up"})
	require.NoError(t, err)
	second, err := e.Embed(ctx, []string{"diabetes follow-up"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestLocalEmbedderDimension(t *testing.T) {
	e := NewLocalEmbedder(96)
	assert.Equal(t, 96, e.Dimension())

	vec, err := e.EmbedQuery(context.Background(), "hypertension management")
	require.NoError(t, err)
	assert.Len(t, vec, 96)
}

func TestLocalEmbedderBatchInvariance(t *testing.T) {
	e := NewLocalEmbedder(64)
	ctx := context.Background()

	texts := []string{
		"type 2 diabetes on metformin",
		"chronic kidney disease stage 3",
		"asthma exacerbation treated with albuterol",
	}

	together, err := e.Embed(ctx, texts)
	require.NoError(t, err)

	var oneByOne [][]float32
	for _, text := range texts {
		vec, err := e.Embed(ctx, []string{text})
		require.NoError(t, err)
		oneByOne = append(oneByOne, vec[0])
	}

	assert.Equal(t, together, oneByOne)
}

func TestLocalEmbedderUnitNorm(t *testing.T) {
	e := NewLocalEmbedder(128)

	vec, err := e.EmbedQuery(context.Background(), "post-operative wound care")
	require.NoError(t, err)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestLocalEmbedderEmptyTextZeroVector(t *testing.T) {
	e := NewLocalEmbedder(32)

	vec, err := e.EmbedQuery(context.Background(), "")
	require.NoError(t, err)
	for _, v := range vec {
		assert.True(t, math.Abs(float64(v)) < 1e-9)
	}
}

func TestLocalEmbedderDistinguishesTexts(t *testing.T) {
	e := NewLocalEmbedder(256)
	ctx := context.Background()

	vecs, err := e.Embed(ctx, []string{"cardiology referral", "dermatology referral"})
	require.NoError(t, err)
	assert.NotEqual(t, vecs[0], vecs[1])
}
