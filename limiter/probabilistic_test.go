package limiter_test

import (
	"math"
	"testing"

	"github.com/parkerroan/qosbroker/limiter"
	"github.com/stretchr/testify/assert"
)

func TestProbabilisticLimiter(t *testing.T) {
	const trials = 1000

	testCases := []struct {
		description string
		factor      float64
		check       func(t *testing.T, allowed int)
	}{
		{
			description: "open limiter admits everything",
			factor:      0,
			check: func(t *testing.T, allowed int) {
				assert.Equal(t, trials, allowed)
			},
		},
		{
			description: "closed limiter rejects everything",
			factor:      1,
			check: func(t *testing.T, allowed int) {
				assert.Equal(t, 0, allowed)
			},
		},
		{
			description: "half factor admits and rejects",
			factor:      0.5,
			check: func(t *testing.T, allowed int) {
				assert.NotZero(t, allowed)
				assert.NotEqual(t, trials, allowed)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			pl := limiter.NewProbabilisticLimiter("topic", limiter.QPS)
			pl.UpdateSuppressionFactor(tc.factor)

			allowed := 0
			for i := 0; i < trials; i++ {
				if pl.AddTrafficData(int64(i)) {
					allowed++
				}
			}
			tc.check(t, allowed)
		})
	}
}

func TestProbabilisticLimiter_WithRandom(t *testing.T) {
	draw := 0.0
	pl := limiter.NewProbabilisticLimiter("topic", limiter.QPS, limiter.WithRandom(func() float64 { return draw }))
	pl.UpdateSuppressionFactor(0.4)

	draw = 0.4
	assert.False(t, pl.AddTrafficData(1), "a draw equal to the factor is rejected")
	draw = 0.41
	assert.True(t, pl.AddTrafficData(1))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, limiter.Clamp(math.NaN()))
	assert.Equal(t, 0.0, limiter.Clamp(-1))
	assert.Equal(t, 0.25, limiter.Clamp(0.25))
	assert.Equal(t, 1.0, limiter.Clamp(math.Inf(1)))
}

func TestType_String(t *testing.T) {
	assert.Equal(t, "throughput", limiter.THROUGHPUT.String())
	assert.Equal(t, "qps", limiter.QPS.String())
}
