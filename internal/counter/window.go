package counter

import (
	"context"
	"fmt"
	"time"

	"adaptive-limiter/internal/domain"
)

// Key monta a chave do contador de janela fixa
func Key(fingerprint string, category domain.Category) string {
	return fmt.Sprintf("rate_limit:%s:%s", fingerprint, category)
}

// WindowCounter conta requisições por (fingerprint, categoria) no storage compartilhado.
// A janela é fixa: o TTL é criado junto com o contador e nunca renovado.
type WindowCounter struct {
	store   domain.SharedStore
	timeout time.Duration
}

// NewWindowCounter cria o contador com o timeout de storage informado
func NewWindowCounter(store domain.SharedStore, timeout time.Duration) *WindowCounter {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &WindowCounter{store: store, timeout: timeout}
}

// Check verifica e incrementa a janela. Erros de storage chegam envolvidos
// em domain.ErrStoreUnavailable para o chamador decidir o fail-open.
func (c *WindowCounter) Check(ctx context.Context, fingerprint string, category domain.Category, window time.Duration, max int) (*domain.WindowResult, error) {
	if max < 1 {
		max = 1
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.store.CheckWindow(ctx, Key(fingerprint, category), max, window)
	if err != nil {
		return nil, fmt.Errorf("window check failed: %w", err)
	}
	return result, nil
}

// Current retorna o contador atual sem incrementar
func (c *WindowCounter) Current(ctx context.Context, fingerprint string, category domain.Category) (int, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	count, ttl, err := c.store.WindowCount(ctx, Key(fingerprint, category))
	if err != nil {
		return 0, 0, fmt.Errorf("window read failed: %w", err)
	}
	return count, ttl, nil
}
