// Package eventhandler содержит обработчики доменных событий.
// Обработчики реагируют на изменения и запускают побочные эффекты,
// например сброс кешей.
package eventhandler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/internal/domain/shared"
)

// ═══════════════════════════════════════════════════════════════════════════
// STATS INVALIDATOR
// Сбрасывает кешированную сводку подбора, когда меняются пары или
// записи успеваемости.
// ═══════════════════════════════════════════════════════════════════════════

// DefaultInvalidateTimeout - ограничение на сброс кеша одним событием.
const DefaultInvalidateTimeout = 5 * time.Second

// StatsInvalidator сбрасывает matching.StatsCache.
type StatsInvalidator struct {
	cache   matching.StatsCache
	logger  *slog.Logger
	timeout time.Duration
}

// NewStatsInvalidator создаёт обработчик.
func NewStatsInvalidator(cache matching.StatsCache, logger *slog.Logger) *StatsInvalidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsInvalidator{
		cache:   cache,
		logger:  logger.With("handler", "stats_invalidator"),
		timeout: DefaultInvalidateTimeout,
	}
}

// EventTypes возвращает события, на которые подписывается обработчик.
func (h *StatsInvalidator) EventTypes() []shared.EventType {
	return []shared.EventType{
		shared.EventMatchesCreated,
		shared.EventMatchStatusChanged,
		shared.EventPerformanceRecorded,
	}
}

// Register подписывает обработчик на все его события.
func (h *StatsInvalidator) Register(sub shared.EventSubscriber) error {
	for _, t := range h.EventTypes() {
		if err := sub.Subscribe(t, h.Handle); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", t, err)
		}
	}
	return nil
}

// Handle обрабатывает событие.
func (h *StatsInvalidator) Handle(event shared.Event) error {
	if h.cache == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if err := h.cache.InvalidateStats(ctx); err != nil {
		return fmt.Errorf("failed to invalidate stats cache: %w", err)
	}

	h.logger.Debug("stats cache invalidated",
		"event_type", event.EventType(),
		"aggregate_id", event.AggregateID(),
	)
	return nil
}
