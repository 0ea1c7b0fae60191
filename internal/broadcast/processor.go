package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/campus-market-backend/internal/domain"
	"github.com/tbourn/campus-market-backend/internal/mail"
	"github.com/tbourn/campus-market-backend/internal/repo"
)

// JobMeta is the delivery metadata supplied by the queue transport.
// Attempt is 1-based. Progress, when set, receives the fraction of
// recipients processed so far.
type JobMeta struct {
	JobID       string
	Attempt     int
	MaxAttempts int
	Progress    func(fraction float64)
}

// Final reports whether no retries remain after this attempt.
func (m JobMeta) Final() bool { return m.Attempt >= m.MaxAttempts }

// Processor executes broadcast jobs.
type Processor struct {
	DB         *gorm.DB
	Mailer     mail.Sender
	PageSize   int
	BatchDelay time.Duration
	JobTimeout time.Duration
	BaseURL    string
	Log        *zerolog.Logger
}

func (p *Processor) logger() *zerolog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return &log.Logger
}

// Handle runs one attempt of a broadcast job.
//
//  1. gate:   a completed log row means the job already ran; return nil.
//  2. claim:  upsert the log row to processing, or retrying on a re-run.
//  3. count:  size the audience; zero recipients completes immediately.
//  4. batch:  page through recipients, one email per address, recording
//     counters and progress after each page.
//  5. finish: mark completed with this attempt's counters.
//
// A body that fails to decode or validate is recorded as a failed log row
// and reported as ErrPermanent.
//
// A returned error asks the transport to retry. On the final attempt the
// log row is moved to failed first. Errors wrapping ErrPermanent must not
// be retried.
func (p *Processor) Handle(ctx context.Context, meta JobMeta, body []byte) (err error) {
	start := time.Now()
	tr := otel.Tracer("broadcast/Processor")
	ctx, span := tr.Start(ctx, "Handle",
		trace.WithAttributes(
			attribute.String("job.id", meta.JobID),
			attribute.Int("job.attempt", meta.Attempt),
			attribute.Int("job.max_attempts", meta.MaxAttempts),
		),
	)
	defer func() {
		jobDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	lg := p.logger().With().Str("job_id", meta.JobID).Int("attempt", meta.Attempt).Logger()

	payload, err := DecodePayload(body)
	if err != nil {
		jobsTotal.WithLabelValues("invalid").Inc()
		lg.Error().Err(err).Msg("broadcast payload rejected")
		p.recordRejected(context.WithoutCancel(ctx), meta, body, err, &lg)
		return err
	}
	if meta.JobID == "" {
		meta.JobID = JobID(payload.RequestID)
	}
	span.SetAttributes(attribute.String("request.id", payload.RequestID))
	lg = lg.With().Str("request_id", payload.RequestID).Logger()

	runCtx := ctx
	if p.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.JobTimeout)
		defer cancel()
	}

	skipped, err := p.run(runCtx, meta, payload, &lg)
	if err == nil {
		if skipped {
			jobsTotal.WithLabelValues("skipped").Inc()
		} else {
			jobsTotal.WithLabelValues("completed").Inc()
		}
		return nil
	}

	// The run context may already be cancelled or timed out; the failure
	// must still be recorded.
	final := meta.Final() || errors.Is(err, ErrPermanent)
	recCtx := context.WithoutCancel(ctx)
	if ferr := repo.FailBroadcastLog(recCtx, p.DB, meta.JobID, err.Error(), final); ferr != nil && !errors.Is(ferr, repo.ErrNotFound) {
		lg.Error().Err(ferr).Msg("record broadcast failure")
	}
	if final {
		jobsTotal.WithLabelValues("failed").Inc()
		lg.Error().Err(err).Msg("broadcast failed; attempts exhausted")
	} else {
		jobsTotal.WithLabelValues("retry").Inc()
		lg.Warn().Err(err).Msg("broadcast attempt failed; will retry")
	}
	return err
}

func (p *Processor) run(ctx context.Context, meta JobMeta, pl Payload, lg *zerolog.Logger) (skipped bool, err error) {
	// 1. gate
	existing, err := repo.GetBroadcastLog(ctx, p.DB, meta.JobID)
	switch {
	case err == nil && existing.Status == domain.BroadcastCompleted:
		lg.Info().Msg("broadcast already completed; skipping")
		return true, nil
	case err != nil && !errors.Is(err, repo.ErrNotFound):
		return false, fmt.Errorf("load broadcast log: %w", err)
	}

	// 2. claim
	claimed, err := repo.ClaimBroadcastLog(ctx, p.DB, meta.JobID, pl.RequestID, meta.Attempt)
	if err != nil {
		return false, fmt.Errorf("claim broadcast log: %w", err)
	}
	if claimed.Status == domain.BroadcastCompleted {
		lg.Info().Msg("broadcast completed concurrently; skipping")
		return true, nil
	}
	if existing != nil && existing.EmailsSent > 0 {
		lg.Info().Int("previously_sent", existing.EmailsSent).Msg("resuming after earlier attempt; pagination restarts")
	}

	// 3. count
	n, err := repo.CountRecipients(ctx, p.DB, pl.RequesterID)
	if err != nil {
		return false, fmt.Errorf("count recipients: %w", err)
	}
	total := int(n)
	if err := repo.PatchBroadcastLog(ctx, p.DB, meta.JobID, repo.BroadcastLogPatch{TotalRecipients: &total}); err != nil {
		return false, fmt.Errorf("record recipient count: %w", err)
	}
	if total == 0 {
		lg.Info().Msg("no recipients; completing")
		return false, p.complete(ctx, meta, 0, 0, 0)
	}

	// 4. batch
	msg, err := renderTemplate(pl, p.BaseURL)
	if err != nil {
		return false, fmt.Errorf("%w: render email: %v", ErrPermanent, err)
	}
	pageSize := p.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	processed, sentTotal, failedTotal := 0, 0, 0
	for offset := 0; ; offset += pageSize {
		page, err := repo.ListRecipientsPage(ctx, p.DB, pl.RequesterID, offset, pageSize)
		if err != nil {
			return false, fmt.Errorf("list recipients at offset %d: %w", offset, err)
		}
		if len(page) == 0 {
			break
		}

		sent, failed, err := p.sendPage(ctx, page, msg, lg)
		sentTotal += sent
		failedTotal += failed
		if sent > 0 || failed > 0 {
			if perr := repo.PatchBroadcastLog(ctx, p.DB, meta.JobID, repo.BroadcastLogPatch{AddSent: sent, AddFailed: failed}); perr != nil && err == nil {
				err = fmt.Errorf("record progress: %w", perr)
			}
		}
		if err != nil {
			return false, err
		}

		processed += len(page)
		if meta.Progress != nil {
			meta.Progress(min(1, float64(processed)/float64(total)))
		}
		lg.Debug().Int("offset", offset).Int("sent", sent).Int("failed", failed).Msg("broadcast page done")

		if len(page) < pageSize {
			break
		}
		if err := sleepCtx(ctx, p.BatchDelay); err != nil {
			return false, err
		}
	}

	// 5. finish
	return false, p.complete(ctx, meta, total, sentTotal, failedTotal)
}

// sendPage delivers one message per recipient over a single session. A
// failed recipient is counted and skipped; only a transport that cannot be
// opened or a cancelled context fails the page.
func (p *Processor) sendPage(ctx context.Context, page []domain.User, msg rendered, lg *zerolog.Logger) (sent, failed int, err error) {
	sess, err := p.Mailer.Open(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("open mail session: %w", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			lg.Warn().Err(cerr).Msg("close mail session")
		}
	}()

	for _, u := range page {
		if err := ctx.Err(); err != nil {
			return sent, failed, err
		}
		if u.Email == nil {
			continue
		}
		if serr := sess.Send(ctx, msg.to(*u.Email)); serr != nil {
			failed++
			emailsTotal.WithLabelValues("failed").Inc()
			lg.Warn().Err(serr).Str("user_id", u.ID).Msg("broadcast email failed")
			continue
		}
		sent++
		emailsTotal.WithLabelValues("sent").Inc()
	}
	return sent, failed, nil
}

// complete stores this attempt's counters as the final ones; emails sent by
// an earlier, abandoned attempt are not added in.
func (p *Processor) complete(ctx context.Context, meta JobMeta, total, sent, failed int) error {
	if err := repo.CompleteBroadcastLog(ctx, p.DB, meta.JobID, total, sent, failed); err != nil {
		return fmt.Errorf("complete broadcast log: %w", err)
	}
	if meta.Progress != nil {
		meta.Progress(1)
	}
	return nil
}

// recordRejected leaves a failed log row for a job whose body cannot be
// used, so it shows up next to the broadcasts that did run. The request ID
// is recovered on a best-effort basis and may be empty.
func (p *Processor) recordRejected(ctx context.Context, meta JobMeta, body []byte, cause error, lg *zerolog.Logger) {
	rid := salvageRequestID(meta.JobID, body)
	jobID := meta.JobID
	if jobID == "" {
		if rid == "" {
			lg.Warn().Msg("rejected job has no identity; nothing recorded")
			return
		}
		jobID = JobID(rid)
	}
	claimed, err := repo.ClaimBroadcastLog(ctx, p.DB, jobID, rid, meta.Attempt)
	if err != nil {
		lg.Error().Err(err).Msg("record rejected broadcast")
		return
	}
	if claimed.Status == domain.BroadcastCompleted {
		return
	}
	if err := repo.FailBroadcastLog(ctx, p.DB, jobID, cause.Error(), true); err != nil {
		lg.Error().Err(err).Msg("record rejected broadcast")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
