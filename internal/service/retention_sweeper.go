package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type responseSweeper interface {
	Sweep(ctx context.Context, maxAge time.Duration) (int64, error)
}

// RetentionSweeper borra periódicamente respuestas pendientes abandonadas,
// por ejemplo las de sesiones reiniciadas antes de recibir la respuesta.
type RetentionSweeper struct {
	logger    *zap.Logger
	responses responseSweeper
	maxAge    time.Duration
	interval  time.Duration
}

func NewRetentionSweeper(logger *zap.Logger, responses responseSweeper, maxAge, interval time.Duration) *RetentionSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionSweeper{
		logger:    logger,
		responses: responses,
		maxAge:    maxAge,
		interval:  interval,
	}
}

// Run ejecuta un barrido inmediato y luego uno por intervalo hasta que ctx termine.
func (w *RetentionSweeper) Run(ctx context.Context) {
	if w == nil || w.responses == nil {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepOnce(ctx)
		}
	}
}

func (w *RetentionSweeper) sweepOnce(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	n, err := w.responses.Sweep(sweepCtx, w.maxAge)
	if err != nil {
		w.logger.Warn("pending response sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		w.logger.Info("pending responses swept", zap.Int64("deleted", n), zap.Duration("max_age", w.maxAge))
	}
}
