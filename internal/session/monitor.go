package session

import (
	"context"
	"log/slog"
	"time"
)

// WatchWatermark samples a writer's remaining queue capacity on the
// configured interval and logs a warning once it drops below the
// configured threshold, giving operators signal before the queue fills
// and the backpressure discipline starts dropping frames. It returns
// when ctx is cancelled or the writer closes.
func WatchWatermark(ctx context.Context, w *Writer, label string, cfg Config) {
	ticker := time.NewTicker(cfg.WatermarkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			remaining := w.Remaining()
			if remaining < cfg.WatermarkThreshold {
				slog.Warn("outbound queue below watermark",
					"conn", label,
					"remaining", remaining,
					"capacity", w.Capacity(),
					"threshold", cfg.WatermarkThreshold,
				)
			}
		case <-w.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
