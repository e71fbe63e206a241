package resilience

import (
	"context"
	"time"

	"github.com/LerianStudio/lib-resilience/circuitbreaker"
	"github.com/LerianStudio/lib-resilience/log"
)

// Start launches the background health loop. Subsequent calls are no-ops.
// The loop re-evaluates every tracked service on the configured interval,
// logs health transitions, and resets a service's circuit breaker when the
// service recovers while its breaker is still open.
func (o *Orchestrator) Start() {
	o.startOnce.Do(func() {
		o.wg.Add(1)

		go o.healthLoop()

		o.logger.Log(context.Background(), log.LevelInfo, "health monitor started",
			log.Duration("interval", o.config.HealthCheckInterval),
		)
	})
}

// Stop signals the health loop to exit and waits for it, bounded by the
// configured shutdown timeout. Safe to call more than once and without a
// prior Start.
func (o *Orchestrator) Stop() error {
	var err error

	o.stopOnce.Do(func() {
		close(o.stopChan)

		done := make(chan struct{})
		go func() {
			o.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(o.config.ShutdownTimeout):
			err = context.DeadlineExceeded
		}
	})

	return err
}

func (o *Orchestrator) healthLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopChan:
			return
		case <-ticker.C:
			o.runHealthCheck()
		}
	}
}

// runHealthCheck never lets one service's evaluation take down the loop.
func (o *Orchestrator) runHealthCheck() {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Log(context.Background(), log.LevelError, "health check panicked",
				log.Any("panic", r),
			)
		}
	}()

	ctx := context.Background()
	now := o.clock()

	type transition struct {
		service string
		healthy bool
	}

	var transitions []transition

	o.mu.Lock()
	for name, state := range o.services {
		healthy := state.evaluate(o.config)
		if healthy != state.healthy {
			transitions = append(transitions, transition{service: name, healthy: healthy})
		}

		state.healthy = healthy
		state.lastCheck = now
	}
	o.mu.Unlock()

	for _, tr := range transitions {
		level := log.LevelWarn
		if tr.healthy {
			level = log.LevelInfo
		}

		o.logger.Log(ctx, level, "service health changed",
			log.String("service", tr.service),
			log.Bool("healthy", tr.healthy),
		)

		// A recovered service with a still-open breaker would keep
		// rejecting calls until its own recovery timer fires; reset it
		// so traffic can resume immediately.
		if tr.healthy && o.breakers.State(tr.service) == circuitbreaker.StateOpen {
			o.breakers.Reset(tr.service)

			o.logger.Log(ctx, log.LevelInfo, "reset circuit breaker for recovered service",
				log.String("service", tr.service),
			)
		}
	}
}
