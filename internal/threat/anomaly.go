package threat

import (
	"context"
	"math"
	"sync"
	"time"
)

const (
	historyCapacity  = 100
	minHistory       = 10
	anomalyThreshold = 3.0
)

// history é um buffer circular de taxas observadas
type history struct {
	values   []float64
	next     int
	lastSeen time.Time
}

func newHistory() *history {
	return &history{values: make([]float64, 0, historyCapacity)}
}

func (h *history) observe(rate float64) {
	if len(h.values) < historyCapacity {
		h.values = append(h.values, rate)
		return
	}
	h.values[h.next] = rate
	h.next = (h.next + 1) % historyCapacity
}

// isAnomalous aplica a regra dos três sigmas; nunca sinaliza com
// menos de minHistory amostras ou variância zero
func (h *history) isAnomalous(rate float64) bool {
	n := len(h.values)
	if n < minHistory {
		return false
	}

	var sum float64
	for _, v := range h.values {
		sum += v
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range h.values {
		sq += (v - mean) * (v - mean)
	}
	stddev := math.Sqrt(sq / float64(n))
	if stddev == 0 {
		return false
	}

	return math.Abs(rate-mean)/stddev > anomalyThreshold
}

// AnomalyDetector mantém um histórico limitado de taxas por fingerprint.
// O estado é local ao processo.
type AnomalyDetector struct {
	mu        sync.Mutex
	histories map[string]*history
	now       func() time.Time
}

func NewAnomalyDetector() *AnomalyDetector {
	return &AnomalyDetector{
		histories: make(map[string]*history),
		now:       time.Now,
	}
}

// Observe adiciona a taxa ao histórico da chave, descartando a mais antiga
func (d *AnomalyDetector) Observe(key string, rate float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.histories[key]
	if !ok {
		h = newHistory()
		d.histories[key] = h
	}
	h.observe(rate)
	h.lastSeen = d.now()
}

// IsAnomalous verifica a taxa contra o histórico atual da chave
func (d *AnomalyDetector) IsAnomalous(key string, rate float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.histories[key]
	if !ok {
		return false
	}
	return h.isAnomalous(rate)
}

// Evict remove históricos sem atividade há mais de idle
func (d *AnomalyDetector) Evict(idle time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-idle)
	removed := 0
	for key, h := range d.histories {
		if h.lastSeen.Before(cutoff) {
			delete(d.histories, key)
			removed++
		}
	}
	return removed
}

// Run executa Evict periodicamente até o contexto ser cancelado
func (d *AnomalyDetector) Run(ctx context.Context, every, idle time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Evict(idle)
		}
	}
}
