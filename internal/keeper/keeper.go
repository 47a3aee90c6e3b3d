package keeper

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"BasisVault/internal/core"
	"BasisVault/internal/strategy"
)

// Keeper drives the periodic automation: position upkeep when a
// controller reports work to do, and withdrawal queue settlement.
// It acts through the engine as a regular operator identity.
type Keeper struct {
	engine *core.Engine
	caller string
	cron   *cron.Cron
	log    zerolog.Logger
}

func New(engine *core.Engine, caller string, log zerolog.Logger) *Keeper {
	return &Keeper{
		engine: engine,
		caller: caller,
		cron:   cron.New(),
		log:    log.With().Str("component", "keeper").Logger(),
	}
}

// Start registers the upkeep and settle jobs and starts the scheduler.
// Schedules use cron spec syntax, including @every intervals.
func (k *Keeper) Start(upkeepSchedule, settleSchedule string) error {
	if _, err := k.cron.AddFunc(upkeepSchedule, k.runUpkeep); err != nil {
		return err
	}
	if _, err := k.cron.AddFunc(settleSchedule, k.runSettle); err != nil {
		return err
	}
	k.cron.Start()
	k.log.Info().
		Str("upkeep_schedule", upkeepSchedule).
		Str("settle_schedule", settleSchedule).
		Msg("keeper started")
	return nil
}

// Stop halts the scheduler and waits for running jobs to finish.
func (k *Keeper) Stop() {
	ctx := k.cron.Stop()
	<-ctx.Done()
	k.log.Info().Msg("keeper stopped")
}

func (k *Keeper) runUpkeep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, poolID := range k.engine.PoolIDs() {
		needed, reason, err := k.engine.CheckUpkeep(poolID)
		if err != nil {
			k.log.Error().Err(err).Str("pool", poolID).Msg("check upkeep failed")
			continue
		}
		if !needed {
			continue
		}

		requestID, err := k.engine.PerformUpkeep(ctx, k.caller, poolID, time.Now().UTC())
		if err != nil {
			// The state moving on between the check and the perform is
			// the normal race between two ticks, not a fault.
			if errors.Is(err, strategy.ErrNoUpkeepNeeded) || errors.Is(err, strategy.ErrInvalidStrategyStatus) {
				k.log.Debug().Str("pool", poolID).Msg("upkeep skipped, state moved on")
				continue
			}
			k.log.Error().Err(err).Str("pool", poolID).Str("reason", reason).Msg("perform upkeep failed")
			continue
		}
		if requestID == uuid.Nil {
			k.log.Info().Str("pool", poolID).Str("reason", reason).Msg("upkeep ran without dispatch")
			continue
		}
		k.log.Info().
			Str("pool", poolID).
			Str("reason", reason).
			Str("request_id", requestID.String()).
			Msg("upkeep dispatched")
	}
}

func (k *Keeper) runSettle() {
	for _, poolID := range k.engine.PoolIDs() {
		settled, err := k.engine.SettleQueue(poolID, uuid.NewString(), time.Now().UTC())
		if err != nil {
			k.log.Error().Err(err).Str("pool", poolID).Msg("settle queue failed")
			continue
		}
		if settled.IsZero() {
			continue
		}
		k.log.Info().
			Str("pool", poolID).
			Str("settled", settled.String()).
			Msg("withdrawal queue settled")
	}
}
