package adaptive

import (
	"math"
	"sync"

	"adaptive-limiter/internal/domain"
)

// Limites e valores padrão do multiplicador
const (
	MinMultiplier       = 0.5
	MaxMultiplier       = 2.0
	DefaultLearningRate = 0.01
	rateBufferSize      = 100
)

// Controller mantém o multiplicador global que escala todas as políticas.
// O estado é local ao processo e protegido por um único mutex.
type Controller struct {
	mu           sync.Mutex
	multiplier   float64
	learningRate float64
	rates        []float64
	next         int
}

// NewController cria o controlador com multiplicador 1.0
func NewController(learningRate float64) *Controller {
	if learningRate <= 0 {
		learningRate = DefaultLearningRate
	}
	return &Controller{
		multiplier:   1.0,
		learningRate: learningRate,
		rates:        make([]float64, 0, rateBufferSize),
	}
}

// Update ajusta o multiplicador: sobe com ataques, desce devagar sem eles
func (c *Controller) Update(observedRate float64, isAttack bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.rates) < rateBufferSize {
		c.rates = append(c.rates, observedRate)
	} else {
		c.rates[c.next] = observedRate
		c.next = (c.next + 1) % rateBufferSize
	}

	if isAttack {
		c.multiplier = math.Min(MaxMultiplier, c.multiplier+c.learningRate)
	} else {
		c.multiplier = math.Max(MinMultiplier, c.multiplier-c.learningRate*0.1)
	}
}

// Multiplier retorna o valor atual
func (c *Controller) Multiplier() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.multiplier
}

// Snapshot expõe o estado para a API administrativa
func (c *Controller) Snapshot() domain.AdaptiveSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	var mean float64
	if len(c.rates) > 0 {
		var sum float64
		for _, r := range c.rates {
			sum += r
		}
		mean = sum / float64(len(c.rates))
	}

	return domain.AdaptiveSnapshot{
		Multiplier:   c.multiplier,
		LearningRate: c.learningRate,
		Samples:      len(c.rates),
		MeanRate:     mean,
	}
}

// EffectiveMax escala o máximo da política pelo multiplicador e pelo fator de risco.
// O resultado nunca é menor que 1.
func EffectiveMax(max int, multiplier, riskFactor float64) int {
	scaled := float64(max) * multiplier * riskFactor
	// Tolerância para somas acumuladas como 0.5+0.01*50
	effective := int(math.Ceil(scaled - 1e-9))
	if effective < 1 {
		return 1
	}
	return effective
}
