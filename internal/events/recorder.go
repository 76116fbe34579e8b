package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"adaptive-limiter/internal/domain"

	"github.com/google/uuid"
)

// ReputationKey guarda a contagem de incidentes por IP
const ReputationKey = "ip_reputation"

const dayLayout = "20060102"

// Options configura o Recorder
type Options struct {
	BufferSize   int
	WriteTimeout time.Duration
	Retention    time.Duration
	// OnWriteError é chamado a cada falha de escrita no storage
	OnWriteError func(error)
}

func (o *Options) applyDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 1000
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 500 * time.Millisecond
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
}

// Recorder mantém a trilha de auditoria: buffer circular em memória
// e listas diárias no storage compartilhado
type Recorder struct {
	store  domain.SharedStore
	logger domain.Logger
	opts   Options
	now    func() time.Time

	mu   sync.Mutex
	ring []domain.Event
	next int
}

// NewRecorder cria o Recorder
func NewRecorder(store domain.SharedStore, logger domain.Logger, opts Options) *Recorder {
	opts.applyDefaults()
	return &Recorder{
		store:  store,
		logger: logger,
		opts:   opts,
		now:    time.Now,
		ring:   make([]domain.Event, 0, opts.BufferSize),
	}
}

// Record adiciona o evento ao buffer e o espelha no storage.
// Falhas de escrita são registradas em log e descartadas.
func (r *Recorder) Record(ctx context.Context, event domain.Event) domain.Event {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now().UTC()
	}

	r.append(event)
	r.persist(ctx, event)
	return event
}

func (r *Recorder) append(event domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.ring) < r.opts.BufferSize {
		r.ring = append(r.ring, event)
		return
	}
	r.ring[r.next] = event
	r.next = (r.next + 1) % r.opts.BufferSize
}

func (r *Recorder) persist(ctx context.Context, event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		r.writeFailed(event, "", err)
		return
	}

	// O cancelamento da requisição não interrompe a gravação da auditoria
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.WriteTimeout)
	defer cancel()

	for _, key := range Keys(event) {
		if err := r.store.ListAppend(ctx, key, string(payload), r.opts.Retention); err != nil {
			r.writeFailed(event, key, err)
			return
		}
	}

	if event.Kind == domain.EventThreat && event.ClientIP != "" {
		if _, err := r.store.HashIncrBy(ctx, ReputationKey, event.ClientIP, 1); err != nil {
			r.writeFailed(event, ReputationKey, err)
		}
	}
}

func (r *Recorder) writeFailed(event domain.Event, key string, err error) {
	r.logger.Warn("Failed to persist event", map[string]interface{}{
		"event_id":   event.ID,
		"event_kind": event.Kind,
		"key":        key,
		"error":      err.Error(),
	})
	if r.opts.OnWriteError != nil {
		r.opts.OnWriteError(err)
	}
}

// Keys retorna as listas diárias em que o evento é gravado
func Keys(event domain.Event) []string {
	day := event.Timestamp.UTC().Format(dayLayout)

	switch event.Kind {
	case domain.EventThreat:
		keys := []string{"threat_events:" + day}
		if event.RiskLevel == domain.RiskMedium || event.RiskLevel == domain.RiskHigh {
			keys = append(keys, SuspiciousKey(day))
		}
		return keys
	case domain.EventError:
		return []string{"events:error:" + day}
	default:
		return []string{fmt.Sprintf("events:%s:%s", event.Category, day)}
	}
}

// SuspiciousKey monta a chave da lista diária de atividades suspeitas
func SuspiciousKey(day string) string {
	return "suspicious_activity:" + day
}

// Recent retorna até limit eventos, do mais novo para o mais antigo
func (r *Recorder) Recent(limit int) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.ring)
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]domain.Event, 0, limit)
	// Com o buffer cheio o mais novo está logo antes de next
	newest := n - 1
	if n == r.opts.BufferSize {
		newest = (r.next - 1 + n) % n
	}
	for i := 0; i < limit; i++ {
		out = append(out, r.ring[(newest-i+n)%n])
	}
	return out
}

// Stats resume o buffer em memória
func (r *Recorder) Stats() (total, suspicious, highRisk int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.ring {
		if e.Kind != domain.EventThreat {
			continue
		}
		suspicious++
		if e.RiskLevel == domain.RiskHigh {
			highRisk++
		}
	}
	return len(r.ring), suspicious, highRisk
}

// Report monta o relatório de atividades suspeitas das últimas horas a partir
// das listas diárias; se o storage falhar, usa o buffer em memória
func (r *Recorder) Report(ctx context.Context, hours int) *domain.SuspiciousActivityReport {
	if hours <= 0 {
		hours = 24
	}
	now := r.now().UTC()
	since := now.Add(-time.Duration(hours) * time.Hour)

	activities, err := r.readSuspicious(ctx, since, now)
	if err != nil {
		r.logger.Warn("Suspicious activity lists unavailable, reporting from memory", map[string]interface{}{
			"error": err.Error(),
		})
		activities = r.suspiciousFromBuffer(since)
	}

	return buildReport(hours, activities)
}

func (r *Recorder) readSuspicious(ctx context.Context, since, now time.Time) ([]domain.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.WriteTimeout*4)
	defer cancel()

	var out []domain.Event
	for day := since.Truncate(24 * time.Hour); !day.After(now); day = day.Add(24 * time.Hour) {
		values, err := r.store.ListRange(ctx, SuspiciousKey(day.Format(dayLayout)))
		if err != nil {
			return nil, err
		}
		for _, raw := range values {
			var event domain.Event
			if err := json.Unmarshal([]byte(raw), &event); err != nil {
				continue
			}
			if !event.Timestamp.Before(since) {
				out = append(out, event)
			}
		}
	}
	return out, nil
}

func (r *Recorder) suspiciousFromBuffer(since time.Time) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Event
	for _, e := range r.ring {
		if e.Kind != domain.EventThreat || e.Timestamp.Before(since) {
			continue
		}
		if e.RiskLevel == domain.RiskMedium || e.RiskLevel == domain.RiskHigh {
			out = append(out, e)
		}
	}
	return out
}

func buildReport(hours int, activities []domain.Event) *domain.SuspiciousActivityReport {
	report := &domain.SuspiciousActivityReport{
		Hours:           hours,
		TotalActivities: len(activities),
		RiskDistribution: map[domain.RiskLevel]int{
			domain.RiskLow:    0,
			domain.RiskMedium: 0,
			domain.RiskHigh:   0,
		},
		TopIPs: []domain.IPCount{},
	}

	perIP := make(map[string]int)
	for _, e := range activities {
		report.RiskDistribution[e.RiskLevel]++
		perIP[e.ClientIP]++
	}
	report.UniqueIPs = len(perIP)

	for ip, count := range perIP {
		report.TopIPs = append(report.TopIPs, domain.IPCount{IP: ip, Count: count})
	}
	sort.Slice(report.TopIPs, func(i, j int) bool {
		if report.TopIPs[i].Count != report.TopIPs[j].Count {
			return report.TopIPs[i].Count > report.TopIPs[j].Count
		}
		return report.TopIPs[i].IP < report.TopIPs[j].IP
	})
	if len(report.TopIPs) > 10 {
		report.TopIPs = report.TopIPs[:10]
	}

	return report
}
