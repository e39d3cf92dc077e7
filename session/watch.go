package session

import (
	"context"
	"fmt"
	"log/slog"

	"swarmsim/broker"
	"swarmsim/latency"

	jsoniter "github.com/json-iterator/go"
)

// Watch logs every group result and summary published on b. With the redis
// broker this also sees results from other processes sharing the run id.
func Watch(ctx context.Context, b broker.Broker, logger *slog.Logger) error {
	err := b.Subscribe(ctx, broker.TopicGroups, func(_ string, data []byte) {
		var m GroupMessage
		if err := jsoniter.Unmarshal(data, &m); err != nil {
			logger.Warn("bad group message", slog.String("error", err.Error()))
			return
		}
		attrs := []any{
			slog.Int("group", m.GroupID),
			slog.Int("clients", m.Clients),
			slog.String("state", m.State),
			slog.Int("reports", len(m.Reports)),
		}
		if m.Error != "" {
			logger.Warn("group result", append(attrs, slog.String("error", m.Error))...)
			return
		}
		if m.Average > 0 {
			attrs = append(attrs, slog.Uint64("average_ms", m.Average))
		}
		logger.Info("group result", attrs...)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", broker.TopicGroups, err)
	}

	err = b.Subscribe(ctx, broker.TopicSummary, func(_ string, data []byte) {
		var s latency.Summary
		if err := jsoniter.Unmarshal(data, &s); err != nil {
			logger.Warn("bad summary message", slog.String("error", err.Error()))
			return
		}
		logger.Debug("summary published", slog.String("run_id", s.RunID), slog.Int("failed", len(s.Failed)))
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", broker.TopicSummary, err)
	}
	return nil
}
