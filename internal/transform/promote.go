package transform

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/scoutdata/pipeline/internal/metrics"
	"github.com/scoutdata/pipeline/internal/pipeline"
)

const defaultPromoteBatch = 500

// Promoter moves raw events into the normalized layer, watermarking each one
// as it goes so work is never repeated after a crash.
type Promoter struct {
	lake   pipeline.LakeStore
	clock  pipeline.Clock
	ids    pipeline.IDGenerator
	logger *zap.Logger
	batch  int
}

// NewPromoter constructs a Promoter. A non-positive batch uses the default.
func NewPromoter(lake pipeline.LakeStore, clock pipeline.Clock, ids pipeline.IDGenerator, logger *zap.Logger, batch int) *Promoter {
	if batch <= 0 {
		batch = defaultPromoteBatch
	}
	return &Promoter{
		lake:   lake,
		clock:  clock,
		ids:    ids,
		logger: logger.Named("promote"),
		batch:  batch,
	}
}

// Promote runs one promotion cycle: every raw event without a successful
// watermark is normalized and upserted last-write-wins by event time. A
// per-event failure watermarks the event as failed and moves on; the cycle
// only errors when the store itself does. Returns the number of events
// promoted.
func (p *Promoter) Promote(ctx context.Context) (int, error) {
	start := p.clock.Now()
	events, err := p.lake.UnprocessedRaw(ctx, p.batch)
	if err != nil {
		return 0, fmt.Errorf("listing unprocessed events: %w", err)
	}

	promoted := 0
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return promoted, err
		}
		if err := p.promoteOne(ctx, ev); err != nil {
			p.logger.Warn("event promotion failed",
				zap.String("event_id", ev.ID),
				zap.String("source_file", ev.SourceFile),
				zap.Error(err))
			if wmErr := p.lake.SetWatermark(ctx, pipeline.Watermark{
				ObjectID:    ev.ID,
				ProcessedAt: p.clock.Now(),
				Success:     false,
				Message:     err.Error(),
			}); wmErr != nil {
				return promoted, fmt.Errorf("recording failure watermark: %w", wmErr)
			}
			continue
		}
		promoted++
	}

	metrics.AddPromoted(promoted)
	metrics.ObserveTask("promote", "ok", p.clock.Now().Sub(start))
	p.logger.Info("promotion cycle complete",
		zap.Int("scanned", len(events)),
		zap.Int("promoted", promoted))
	return promoted, nil
}

func (p *Promoter) promoteOne(ctx context.Context, ev pipeline.RawEvent) error {
	key, err := NaturalKey(ev.Payload, ev.EventTime, p.ids)
	if err != nil {
		return err
	}
	rec := pipeline.NormalizedRecord{
		NaturalKey: key,
		SourceFile: ev.SourceFile,
		Fields:     ev.Payload,
		EventTime:  ev.EventTime,
		PromotedAt: p.clock.Now(),
	}
	if err := p.lake.UpsertNormalized(ctx, rec); err != nil {
		return fmt.Errorf("upserting normalized record: %w", err)
	}
	return p.lake.SetWatermark(ctx, pipeline.Watermark{
		ObjectID:    ev.ID,
		ProcessedAt: p.clock.Now(),
		Success:     true,
	})
}
