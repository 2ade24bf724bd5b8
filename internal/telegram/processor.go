package telegram

import (
	"context"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/rs/zerolog"

	"mandachat/internal/metrics"
)

// Processor drops updates from anyone but the owner and, when Dedupe is
// set, updates that were already seen.
type Processor struct {
	Base        ext.BaseProcessor
	Dedupe      *UpdateDeduplicator
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
	OwnerUserID int64
}

func (p Processor) ProcessUpdate(d *ext.Dispatcher, b *gotgbot.Bot, ctx *ext.Context) error {
	if p.Metrics != nil {
		p.Metrics.UpdatesTotal.Inc()
	}
	if !p.allowed(ctx) {
		p.Logger.Debug().Int64("update_id", ctx.UpdateId).Msg("ignoring update from non-owner")
		return nil
	}
	if p.Dedupe != nil {
		first, err := p.Dedupe.MarkFirst(context.Background(), ctx.UpdateId)
		if err != nil {
			p.Logger.Error().Err(err).Int64("update_id", ctx.UpdateId).Msg("failed to dedupe update")
		} else if !first {
			return nil
		}
	}
	return p.Base.ProcessUpdate(d, b, ctx)
}

func (p Processor) allowed(ctx *ext.Context) bool {
	if p.OwnerUserID <= 0 {
		return false
	}
	return ctx.EffectiveUser != nil && ctx.EffectiveUser.Id == p.OwnerUserID
}
