package adaptive

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestController_InitialState(t *testing.T) {
	controller := NewController(0)
	snapshot := controller.Snapshot()

	assert.Equal(t, 1.0, snapshot.Multiplier)
	assert.Equal(t, DefaultLearningRate, snapshot.LearningRate)
	assert.Zero(t, snapshot.Samples)
	assert.Zero(t, snapshot.MeanRate)
}

func TestController_Update(t *testing.T) {
	controller := NewController(0.01)

	controller.Update(1, true)
	assert.InDelta(t, 1.01, controller.Multiplier(), 1e-9)

	controller.Update(1, false)
	assert.InDelta(t, 1.009, controller.Multiplier(), 1e-9)
}

func TestController_ClampedUnderArbitraryUpdates(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 20; run++ {
		controller := NewController(0.01 + rng.Float64())
		for i := 0; i < 2000; i++ {
			controller.Update(rng.Float64()*100, rng.Intn(3) == 0)
			m := controller.Multiplier()
			assert.GreaterOrEqual(t, m, MinMultiplier)
			assert.LessOrEqual(t, m, MaxMultiplier)
		}
	}
}

func TestController_ReachesBounds(t *testing.T) {
	controller := NewController(0.01)
	for i := 0; i < 500; i++ {
		controller.Update(0, true)
	}
	assert.Equal(t, MaxMultiplier, controller.Multiplier())

	for i := 0; i < 20000; i++ {
		controller.Update(0, false)
	}
	assert.Equal(t, MinMultiplier, controller.Multiplier())
}

func TestController_RateBuffer(t *testing.T) {
	controller := NewController(0.01)
	for i := 0; i < 250; i++ {
		controller.Update(2, false)
	}

	snapshot := controller.Snapshot()
	assert.Equal(t, rateBufferSize, snapshot.Samples)
	assert.InDelta(t, 2.0, snapshot.MeanRate, 1e-9)
}

func TestController_ConcurrentUpdates(t *testing.T) {
	controller := NewController(0.01)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(attack bool) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				controller.Update(1, attack)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	m := controller.Multiplier()
	assert.GreaterOrEqual(t, m, MinMultiplier)
	assert.LessOrEqual(t, m, MaxMultiplier)
	assert.Equal(t, rateBufferSize, controller.Snapshot().Samples)
}

func TestEffectiveMax(t *testing.T) {
	tests := []struct {
		name       string
		max        int
		multiplier float64
		risk       float64
		expected   int
	}{
		{"neutral", 10, 1.0, 1.0, 10},
		{"slight decay keeps quota", 10, 0.991, 1.0, 10},
		{"halved for medium risk", 10, 1.0, 0.5, 5},
		{"doubled", 100, 2.0, 1.0, 200},
		{"minimum of one", 1, 0.5, 0.5, 1},
		{"accumulated float error", 10, 0.5 + 0.01*50, 1.0, 10},
		{"lowest multiplier", 100, 0.5, 1.0, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, EffectiveMax(tt.max, tt.multiplier, tt.risk))
		})
	}
}
