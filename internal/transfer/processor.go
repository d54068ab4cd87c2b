package transfer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"portal-ledger/internal/events"
	"portal-ledger/internal/metrics"
)

// Ledger applies a transfer as one atomic, isolated unit: lock both
// accounts, BuildPlan, write every effect, commit. Implementations return
// ErrContention when the unit was aborted only because of a conflicting
// writer.
type Ledger interface {
	ApplyTransfer(ctx context.Context, req Request, auth Authorizer) (Result, error)
}

type Config struct {
	// MaxAttempts bounds ApplyTransfer calls per request. Values < 1 mean 1.
	MaxAttempts int
	// Backoff is multiplied by the attempt number between retries.
	Backoff time.Duration
	// PublishTimeout bounds the post-commit publish. It is not tied to the
	// request context, so a caller that hangs up still gets its event out.
	PublishTimeout time.Duration
}

const defaultPublishTimeout = 2 * time.Second

type Processor struct {
	ledger Ledger
	auth   Authorizer
	pub    events.Publisher
	log    *zap.Logger
	cfg    Config
}

func NewProcessor(ledger Ledger, auth Authorizer, pub events.Publisher, log *zap.Logger, cfg Config) *Processor {
	if pub == nil {
		pub = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	return &Processor{ledger: ledger, auth: auth, pub: pub, log: log, cfg: cfg}
}

// Transfer validates req, applies it and publishes transfer.completed once
// committed. Either every effect is visible or none is.
func (p *Processor) Transfer(ctx context.Context, req Request) (res Result, err error) {
	start := time.Now()
	defer func() {
		o := outcome(res, err)
		metrics.TransfersTotal.WithLabelValues(o).Inc()
		metrics.TransferDuration.WithLabelValues(o).Observe(time.Since(start).Seconds())
	}()

	req, err = req.Normalize()
	if err != nil {
		return Result{}, err
	}

	res, err = p.apply(ctx, req)
	if err != nil {
		fields := []zap.Field{
			zap.Stringer("from", req.FromAccountID),
			zap.Stringer("to", req.ToAccountID),
			zap.Stringer("actor", req.ActingUserID),
			zap.Error(err),
		}
		if isRejection(err) {
			p.log.Info("transfer rejected", fields...)
		} else {
			p.log.Error("transfer failed", fields...)
		}
		return Result{}, err
	}

	if res.Replayed {
		p.log.Info("transfer replayed",
			zap.Stringer("transfer_id", res.TransferID),
			zap.String("idempotency_key", req.IdempotencyKey),
		)
		return res, nil
	}

	p.log.Info("transfer committed",
		zap.Stringer("transfer_id", res.TransferID),
		zap.Stringer("from", req.FromAccountID),
		zap.Stringer("to", req.ToAccountID),
		zap.String("amount", req.Amount.String()),
		zap.String("currency", res.Currency),
	)
	p.publish(ctx, req, res)
	return res, nil
}

func (p *Processor) apply(ctx context.Context, req Request) (Result, error) {
	for attempt := 1; ; attempt++ {
		res, err := p.ledger.ApplyTransfer(ctx, req, p.auth)
		if err == nil || !errors.Is(err, ErrContention) || attempt >= p.cfg.MaxAttempts {
			return res, err
		}

		metrics.TransferRetries.Inc()
		wait := p.cfg.Backoff * time.Duration(attempt)
		p.log.Debug("transfer contention, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// publish runs after commit. A failed publish is logged, never undone.
func (p *Processor) publish(ctx context.Context, req Request, res Result) {
	ev := events.TransferCompleted{
		EventType:     events.TypeTransferCompleted,
		TransferID:    res.TransferID.String(),
		DebitEntryID:  res.DebitEntryID.String(),
		CreditEntryID: res.CreditEntryID.String(),
		AuditID:       res.AuditID.String(),
		UserID:        req.ActingUserID.String(),
		FromAccountID: req.FromAccountID.String(),
		ToAccountID:   req.ToAccountID.String(),
		Amount:        req.Amount,
		Currency:      res.Currency,
		OccurredAt:    res.CreatedAt,
	}
	if req.CategoryID != nil {
		ev.CategoryID = req.CategoryID.String()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PublishTimeout)
	defer cancel()
	if err := p.pub.PublishTransferCompleted(ctx, ev); err != nil {
		metrics.PublishErrors.Inc()
		p.log.Warn("publish transfer.completed failed",
			zap.Stringer("transfer_id", res.TransferID),
			zap.Error(err),
		)
	}
}
