package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"steward/internal/store"
)

func samplesOf(tokens ...int) []*store.ContextSample {
	samples := make([]*store.ContextSample, len(tokens))
	for i, n := range tokens {
		samples[i] = &store.ContextSample{Tokens: n}
	}
	return samples
}

func TestClassifyPattern(t *testing.T) {
	// Too few samples to say anything.
	assert.Equal(t, patternSteady, classifyPattern(samplesOf(100, 5000, 100)))

	assert.Equal(t, patternSteady, classifyPattern(samplesOf(100, 100, 100, 100)))

	// One sample more than triple the mean.
	assert.Equal(t, patternSpike, classifyPattern(samplesOf(100, 100, 100, 1000)))

	// Back half averages over 1.5x the front half without a single spike.
	assert.Equal(t, patternExponential, classifyPattern(samplesOf(100, 100, 200, 400)))
}

func TestGuardianActivation(t *testing.T) {
	guardian := NewContextGuardian(nil)
	assert.False(t, guardian.IsActive(Context{ContextUsagePercent: 39}))
	assert.True(t, guardian.IsActive(Context{ContextUsagePercent: 40}))
}
