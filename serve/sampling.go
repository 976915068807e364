// Token sampling over a single position's logits: temperature scaling,
// categorical sampling and top-p (nucleus) filtering.

package serve

import (
	"math"
	"math/rand"
	"sort"

	"github.com/sirupsen/logrus"
)

// sanitizeTemperature guards against NaN, infinity, negatives and
// unreasonable magnitudes. Invalid temperatures fall back to 1.0.
func sanitizeTemperature(temp float64) float64 {
	if math.IsNaN(temp) || math.IsInf(temp, 0) || temp <= 0 || temp >= 100 {
		return 1.0
	}
	return temp
}

// applyTemperature divides logits in place by a sanitized temperature.
// A requested temperature of zero means greedy decoding and is handled by
// the caller via argmax, so the divisor here is always positive.
func applyTemperature(logits []float32, temp float64) {
	t := float32(math.Max(temp, 1e-8))
	for i := range logits {
		logits[i] /= t
	}
}

// softmax converts logits to a probability distribution.
func softmax(logits []float32) []float32 {
	maxLogit := float32(math.Inf(-1))
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	probs := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		p := math.Exp(float64(v - maxLogit))
		probs[i] = float32(p)
		sum += p
	}
	if sum == 0 {
		return probs
	}
	for i := range probs {
		probs[i] = float32(float64(probs[i]) / sum)
	}
	return probs
}

// argmax returns the index of the largest logit (greedy decoding).
func argmax(logits []float32) int {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return best
}

// sampleCategorical draws one token index from a probability distribution.
func sampleCategorical(probs []float32, rng *rand.Rand) int {
	r := rng.Float64()
	var cum float64
	for i, p := range probs {
		cum += float64(p)
		if r < cum {
			return i
		}
	}
	// Floating-point slack: fall back to the last non-zero bucket.
	for i := len(probs) - 1; i >= 0; i-- {
		if probs[i] > 0 {
			return i
		}
	}
	return len(probs) - 1
}

// sampleTopP performs nucleus sampling: restrict to the smallest set of
// tokens whose cumulative probability reaches topP, renormalize, sample.
func sampleTopP(logits []float32, topP float64, rng *rand.Rand) int {
	probs := softmax(logits)

	indices := make([]int, len(probs))
	for i := range indices {
		indices[i] = i
	}
	sort.Slice(indices, func(a, b int) bool {
		return probs[indices[a]] > probs[indices[b]]
	})

	cutoff := len(indices) - 1
	var cum float64
	for rank, idx := range indices {
		cum += float64(probs[idx])
		if cum >= topP {
			cutoff = rank
			break
		}
	}

	kept := indices[:cutoff+1]
	var total float64
	for _, idx := range kept {
		total += float64(probs[idx])
	}
	if total == 0 {
		logrus.Warn("top-p sampling saw a zero probability mass, falling back to argmax")
		return argmax(logits)
	}

	r := rng.Float64() * total
	var acc float64
	for _, idx := range kept {
		acc += float64(probs[idx])
		if r < acc {
			return idx
		}
	}
	return kept[len(kept)-1]
}

// sampleToken picks the next token for one request position. Temperature zero
// decodes greedily; topP < 1 routes through nucleus sampling.
func sampleToken(logits []float32, temperature, topP float64, rng *rand.Rand) int {
	if temperature == 0 {
		return argmax(logits)
	}
	scaled := make([]float32, len(logits))
	copy(scaled, logits)
	applyTemperature(scaled, sanitizeTemperature(temperature))
	if topP < 1.0 {
		return sampleTopP(scaled, topP, rng)
	}
	return sampleCategorical(softmax(scaled), rng)
}
