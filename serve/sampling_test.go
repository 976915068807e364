package serve

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeTemperature(t *testing.T) {
	// Invalid values fall back to 1.0; valid values pass through.
	assert.Equal(t, 1.0, sanitizeTemperature(math.NaN()))
	assert.Equal(t, 1.0, sanitizeTemperature(math.Inf(1)))
	assert.Equal(t, 1.0, sanitizeTemperature(-0.5))
	assert.Equal(t, 1.0, sanitizeTemperature(0))
	assert.Equal(t, 1.0, sanitizeTemperature(150))
	assert.Equal(t, 0.7, sanitizeTemperature(0.7))
}

func TestSoftmax_SumsToOne(t *testing.T) {
	probs := softmax([]float32{1, 2, 3, 4})
	var sum float64
	for _, p := range probs {
		sum += float64(p)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
	// Monotonic: higher logit, higher probability.
	for i := 1; i < len(probs); i++ {
		assert.Greater(t, probs[i], probs[i-1])
	}
}

func TestArgmax(t *testing.T) {
	assert.Equal(t, 2, argmax([]float32{0.1, 0.5, 3.0, -1}))
	assert.Equal(t, 0, argmax([]float32{9}))
}

func TestSampleToken_GreedyAtTemperatureZero(t *testing.T) {
	// GIVEN logits with a clear winner
	logits := []float32{0, 0, 0, 10, 0}
	rng := rand.New(rand.NewSource(1))

	// THEN temperature 0 always picks the argmax
	for i := 0; i < 20; i++ {
		assert.Equal(t, 3, sampleToken(logits, 0, 1.0, rng))
	}
}

func TestSampleTopP_RestrictsToNucleus(t *testing.T) {
	// GIVEN a distribution where one token holds over 99.99% of the mass
	logits := make([]float32, 8)
	logits[5] = 12.0

	rng := rand.New(rand.NewSource(99))

	// WHEN sampling with a small top_p
	for i := 0; i < 50; i++ {
		// THEN only the nucleus token can be drawn
		assert.Equal(t, 5, sampleTopP(logits, 0.5, rng))
	}
}

func TestSampleCategorical_CoversSupport(t *testing.T) {
	// GIVEN a uniform two-token distribution
	probs := []float32{0.5, 0.5}
	rng := rand.New(rand.NewSource(7))

	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		seen[sampleCategorical(probs, rng)] = true
	}
	// THEN both outcomes occur
	assert.True(t, seen[0])
	assert.True(t, seen[1])
}

func TestSampleToken_DoesNotMutateLogits(t *testing.T) {
	logits := []float32{1, 2, 3}
	rng := rand.New(rand.NewSource(3))
	sampleToken(logits, 0.5, 0.9, rng)
	assert.Equal(t, []float32{1, 2, 3}, logits)
}
