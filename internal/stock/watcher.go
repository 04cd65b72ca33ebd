package stock

import (
	"context"
	"expvar"
	"log"
	"sync"
	"time"

	"centralmed/flow-service/internal/models"
)

var pollsTotal = expvar.NewInt("stock_polls_total")

type Source interface {
	StockItems(ctx context.Context) ([]models.StockItem, error)
}

// Watcher keeps the latest upstream stock snapshot and serves health
// reports from it. The snapshot is replaced atomically per poll; a failed
// poll keeps the previous one.
type Watcher struct {
	source Source
	engine *Engine

	mu    sync.RWMutex
	items []models.StockItem
}

func NewWatcher(source Source, engine *Engine) *Watcher {
	return &Watcher{source: source, engine: engine}
}

func (w *Watcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Poll(ctx); err != nil {
				log.Printf("stock poll error: %v", err)
			}
		}
	}
}

func (w *Watcher) Poll(ctx context.Context) error {
	items, err := w.source.StockItems(ctx)
	if err != nil {
		return err
	}
	pollsTotal.Add(1)
	w.mu.Lock()
	w.items = items
	w.mu.Unlock()
	return nil
}

type ItemReport struct {
	Item   models.StockItem `json:"item"`
	Health Health           `json:"health"`
}

func (w *Watcher) Report(today time.Time) []ItemReport {
	w.mu.RLock()
	defer w.mu.RUnlock()
	reports := make([]ItemReport, 0, len(w.items))
	for _, item := range w.items {
		reports = append(reports, ItemReport{Item: item, Health: w.engine.Health(item, today)})
	}
	return reports
}
