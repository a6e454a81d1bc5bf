package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"emberq/emberr"
	"emberq/internal/store"
	"emberq/types"
)

type outcome int

const (
	outcomeDone outcome = iota
	// outcomeRecycle means the handler goroutine may still be running
	// (timeout abandon), so the slot is retired instead of reused.
	outcomeRecycle
)

const cleanupTimeout = 10 * time.Second

func isNoJob(err error) bool       { return errors.Is(err, emberr.ErrNoJob) }
func isUnavailable(err error) bool { return errors.Is(err, emberr.ErrUnavailable) }

// execute runs one reserved job to an outcome: ack on success, nack/retry
// or dead-letter on failure, dead on poison, requeue-without-attempt on
// forced shutdown. The handler itself runs in a child goroutine so a
// timeout or a force-stop can abandon it without blocking the slot.
func (p *Pool) execute(ctx context.Context, s *slot, job *types.Job) outcome {
	p.setBusy(s, job.ID)
	defer p.setIdle(s)

	log := p.log.With().
		Str("job_id", job.ID).
		Str("queue", job.Queue).
		Str("handler", job.Handler).
		Int("attempts", job.Attempts).
		Logger()

	markCtx, markCancel := cleanupContext()
	p.record(log, "mark reserved", p.jobs.MarkReserved(markCtx, job.ID))

	if perr := p.inspect(job); perr != nil {
		markCancel()
		return p.deadLetterPoison(log, job, perr)
	}

	handler, _ := p.registry.Resolve(job.Handler)

	p.record(log, "mark running", p.jobs.MarkRunning(markCtx, job.ID))
	markCancel()
	log.Info().Msg("job started")

	hctx, cancel := context.WithTimeout(p.forceCtx, p.cfg.JobTimeout)
	defer cancel()

	stopBeat := p.extendWhileRunning(hctx, job)
	defer stopBeat()

	started := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &emberr.HandlerError{Handler: job.Handler, Err: fmt.Errorf("panic: %v", r)}
			}
		}()
		if err := handler(hctx, job.Payload); err != nil {
			done <- &emberr.HandlerError{Handler: job.Handler, Err: err}
			return
		}
		done <- nil
	}()

	var execErr error
	timedOut := false
	select {
	case err := <-done:
		execErr = err
	case <-hctx.Done():
		if p.forceCtx.Err() != nil {
			return p.abandonForced(log, job)
		}
		timedOut = true
		execErr = fmt.Errorf("%w after %s", emberr.ErrJobTimeout, p.cfg.JobTimeout)
	}
	stopBeat()

	if execErr == nil {
		p.finishSuccess(log, job, time.Since(started))
		return outcomeDone
	}

	p.finishFailure(log, job, execErr)
	if timedOut {
		// The handler goroutine may still be holding resources; retire
		// the slot rather than run the next job beside it.
		return outcomeRecycle
	}
	return outcomeDone
}

// inspect rejects jobs that can never execute: unknown handler reference or
// a payload that is not valid JSON. Retrying cannot fix either.
func (p *Pool) inspect(job *types.Job) *emberr.PoisonError {
	if !p.registry.Exists(job.Handler) {
		return &emberr.PoisonError{JobID: job.ID, Reason: fmt.Sprintf("unknown handler %q", job.Handler)}
	}
	if len(job.Payload) > 0 && !json.Valid(job.Payload) {
		return &emberr.PoisonError{JobID: job.ID, Reason: "payload is not valid JSON"}
	}
	return nil
}

// deadLetterPoison removes the job from the broker and records it dead
// without consuming an attempt.
func (p *Pool) deadLetterPoison(log zerolog.Logger, job *types.Job, perr *emberr.PoisonError) outcome {
	log.Error().Str("reason", perr.Reason).Msg("poison job, dead-lettering")

	ctx, cancel := cleanupContext()
	defer cancel()
	p.record(log, "ack poison", p.broker.Ack(ctx, job.Queue, job.ID))
	p.record(log, "mark dead", p.jobs.MarkDead(ctx, job.ID, job.Attempts, perr.Error()))
	return outcomeDone
}

// abandonForced handles the force-stop boundary: the in-flight handler is
// abandoned and the job goes back to pending without consuming an attempt.
// Zero extra visibility tells the broker to expire the reservation now.
func (p *Pool) abandonForced(log zerolog.Logger, job *types.Job) outcome {
	log.Warn().Msg("forced shutdown, requeueing in-flight job")

	ctx, cancel := cleanupContext()
	defer cancel()
	p.record(log, "expire reservation", p.broker.ExtendVisibility(ctx, job.Queue, job.ID, 0))
	p.record(log, "mark requeued", p.jobs.MarkRequeued(ctx, job.ID))
	return outcomeRecycle
}

func (p *Pool) finishSuccess(log zerolog.Logger, job *types.Job, took time.Duration) {
	ctx, cancel := cleanupContext()
	defer cancel()
	p.record(log, "ack", p.broker.Ack(ctx, job.Queue, job.ID))
	p.record(log, "mark succeeded", p.jobs.MarkSucceeded(ctx, job.ID))
	log.Info().Dur("took", took).Msg("job succeeded")
}

// finishFailure consumes one attempt and either requeues the job for retry
// or dead-letters it once the attempt budget is spent.
func (p *Pool) finishFailure(log zerolog.Logger, job *types.Job, execErr error) {
	attempts := job.Attempts + 1
	ctx, cancel := cleanupContext()
	defer cancel()

	p.record(log, "mark failed", p.jobs.MarkFailed(ctx, job.ID, attempts, execErr.Error()))

	if attempts >= job.MaxAttempts {
		p.record(log, "nack discard", p.broker.Nack(ctx, job.Queue, job.ID, false))
		p.record(log, "mark dead", p.jobs.MarkDead(ctx, job.ID, attempts, execErr.Error()))
		log.Error().Err(execErr).Int("attempts", attempts).Msg("attempts exhausted, job dead")
		return
	}

	p.record(log, "nack requeue", p.broker.Nack(ctx, job.Queue, job.ID, true))
	p.record(log, "mark requeued", p.jobs.MarkRequeued(ctx, job.ID))
	log.Warn().Err(execErr).Int("attempts", attempts).Int("max_attempts", job.MaxAttempts).Msg("job failed, will retry")
}

// extendWhileRunning keeps the broker reservation ahead of a long-running
// handler by extending visibility at half the timeout period. Stops when the
// handler context ends or the returned func is called.
func (p *Pool) extendWhileRunning(hctx context.Context, job *types.Job) func() {
	interval := p.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		return func() {}
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := p.broker.ExtendVisibility(hctx, job.Queue, job.ID, p.cfg.VisibilityTimeout); err != nil {
					p.log.Warn().Err(err).Str("job_id", job.ID).Msg("visibility extension failed")
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
	}
}

// cleanupContext bounds broker/store bookkeeping writes that must proceed
// even when the run context is already canceled.
func cleanupContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cleanupTimeout)
}

// record logs bookkeeping failures without aborting the job outcome. A
// missing store row is fine: jobs enqueued straight to the broker have no
// status record.
func (p *Pool) record(log zerolog.Logger, op string, err error) {
	if err == nil || errors.Is(err, store.ErrNotFound) {
		return
	}
	log.Warn().Err(err).Str("op", op).Msg("bookkeeping write failed")
}
