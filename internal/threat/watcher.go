package threat

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"adaptive-limiter/internal/domain"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// PatternWatcher recarrega o arquivo de assinaturas quando ele muda em disco.
// Um arquivo inválido é ignorado e a tabela anterior continua em uso.
type PatternWatcher struct {
	path   string
	apply  func(*PatternSet)
	reject func(error)
	logger domain.Logger
}

// NewPatternWatcher cria o watcher; apply recebe cada tabela válida recarregada
// e reject, quando não nil, cada arquivo recusado
func NewPatternWatcher(path string, apply func(*PatternSet), reject func(error), logger domain.Logger) (*PatternWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	return &PatternWatcher{path: absPath, apply: apply, reject: reject, logger: logger}, nil
}

// Run observa o diretório do arquivo até o contexto ser cancelado
func (w *PatternWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// Observa o diretório: editores costumam substituir o arquivo
	dir := filepath.Dir(w.path)
	name := filepath.Base(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	w.logger.Info("Watching threat pattern file", map[string]interface{}{"path": w.path})

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, w.reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Threat pattern watcher error", err, nil)
		}
	}
}

func (w *PatternWatcher) reload() {
	set, err := LoadPatternFile(w.path)
	if err != nil {
		w.logger.Error("Threat pattern reload rejected, keeping previous table", err, map[string]interface{}{
			"path": w.path,
		})
		if w.reject != nil {
			w.reject(err)
		}
		return
	}

	w.apply(set)
	w.logger.Info("Threat patterns reloaded", map[string]interface{}{
		"path":    w.path,
		"version": set.Version,
	})
}
