package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultProviderName = "stripe"

// Reconciler applies decoded provider events to the Store exactly once per
// event id. It holds no per-request state and is safe for concurrent use.
type Reconciler struct {
	store     Store
	projector *Projector
	fetcher   SubscriptionFetcher
	provider  string
	now       func() time.Time
	logger    Logger
	metrics   Metrics
	onApplied func(ctx context.Context, ev WebhookEvent) error
}

// NewReconciler creates a reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrProviderNotConfigured)
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	provider := cfg.Provider
	if provider == "" {
		provider = defaultProviderName
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}

	return &Reconciler{
		store:     cfg.Store,
		projector: NewProjector(WithOrdering(cfg.Ordering), WithClock(now)),
		fetcher:   cfg.Fetcher,
		provider:  provider,
		now:       now,
		logger:    logger,
		metrics:   metrics,
		onApplied: cfg.OnApplied,
	}, nil
}

// Handle reconciles one event. A nil error means the event may be
// acknowledged: it was applied, was already applied, or needs no effect.
// Errors that satisfy IsRetryable mean nothing was committed and the provider
// should redeliver.
func (r *Reconciler) Handle(ctx context.Context, ev Event) (Result, error) {
	ev = deref(ev)
	if ev == nil {
		return Result{}, errors.New("nil event")
	}
	env := ev.Meta()
	res := Result{EventID: env.ID, EventType: env.Type}

	ctx, span := otel.Tracer("Reconciler").Start(ctx, "Handle", trace.WithAttributes(
		attribute.String("billing.event_id", env.ID),
		attribute.String("billing.event_type", env.Type),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Context done before processing")
		return res, err
	}

	if ig, ok := ev.(Ignored); ok {
		r.logger.Debug("ignoring webhook event",
			Field{"event_id", env.ID}, Field{"event_type", env.Type}, Field{"reason", ig.Reason})
		res.Disposition = DispositionIgnored
		res.Outcome = OutcomeNoop
		span.SetStatus(codes.Ok, "Event ignored")
		return res, nil
	}

	// Shortcut for redeliveries; the claim inside the transaction decides.
	if done, err := r.store.IsProcessed(ctx, env.ID); err != nil {
		r.logger.Warn("processed-event lookup failed, falling through to claim",
			Field{"event_id", env.ID}, Field{"error", err.Error()})
	} else if done {
		res.Disposition = DispositionDuplicate
		res.Outcome = OutcomeNoop
		span.SetStatus(codes.Ok, "Event already processed")
		return res, nil
	}

	if cc, ok := ev.(CheckoutCompleted); ok && cc.Detail == nil && r.fetcher != nil {
		detail, err := r.fetcher.FetchSubscription(ctx, cc.SubscriptionRef)
		switch {
		case err == nil:
			cc.Detail = detail
			ev = cc
		case errors.Is(err, ErrProviderAPIError):
			// The provider answered but refused (e.g. unknown id). Retrying
			// will not help; project from the session payload alone.
			r.logger.Warn("subscription detail rejected by provider, using session payload",
				Field{"event_id", env.ID}, Field{"subscription_ref", cc.SubscriptionRef}, Field{"error", err.Error()})
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "Subscription fetch failed")
			if errors.Is(err, ErrProviderUnavailable) {
				return res, fmt.Errorf("fetch subscription %s: %w", cc.SubscriptionRef, err)
			}
			return res, fmt.Errorf("fetch subscription %s: %w: %w", cc.SubscriptionRef, ErrProviderUnavailable, err)
		}
	}

	ref := SubscriptionRef(ev)
	var proj Projection
	err := r.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		// May run more than once; start from a clean result every time.
		proj = Projection{}
		res.Disposition = ""
		res.Subscription = nil

		claim, err := tx.ClaimEvent(ctx, ProcessedEvent{
			EventID:     env.ID,
			EventType:   env.Type,
			ProcessedAt: r.now().UTC(),
		})
		if err != nil {
			return &PersistenceError{Op: "claim_event", Err: err}
		}
		if claim == ClaimAlreadyProcessed {
			res.Disposition = DispositionDuplicate
			proj.Outcome = OutcomeNoop
			return nil
		}

		current, err := tx.LoadSubscription(ctx, ref)
		if err != nil {
			return &PersistenceError{Op: "load_subscription", Err: err}
		}

		var deletedAt time.Time
		if current == nil {
			if deletedAt, err = tx.LoadTombstone(ctx, ref); err != nil {
				return &PersistenceError{Op: "load_tombstone", Err: err}
			}
		}

		proj, err = r.projector.ApplyWithTombstone(current, deletedAt, ev)
		if err != nil {
			return err
		}
		if proj.Record != nil {
			if err := tx.SaveSubscription(ctx, proj.Record); err != nil {
				return &PersistenceError{Op: "save_subscription", Err: err}
			}
		}
		if !proj.Tombstone.IsZero() {
			if err := tx.SaveTombstone(ctx, ref, proj.Tombstone); err != nil {
				return &PersistenceError{Op: "save_tombstone", Err: err}
			}
		}

		res.Disposition = DispositionProcessed
		if proj.Outcome == OutcomeStale {
			res.Disposition = DispositionStale
		}
		res.Subscription = proj.Record
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrPersistence) && !errors.Is(err, ErrInvalidSubscription) {
			err = &PersistenceError{Op: "commit", Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "Reconcile transaction failed")
		r.logger.Error("webhook reconcile failed",
			Field{"event_id", env.ID}, Field{"event_type", env.Type},
			Field{"subscription_ref", ref}, Field{"error", err.Error()})
		return Result{EventID: env.ID, EventType: env.Type}, err
	}
	res.Outcome = proj.Outcome

	span.SetAttributes(
		attribute.String("billing.disposition", string(res.Disposition)),
		attribute.String("billing.outcome", string(res.Outcome)),
	)
	span.SetStatus(codes.Ok, "Event reconciled")

	if proj.Record != nil {
		r.afterCommit(ctx, env, proj)
	}
	r.logger.Info("webhook event reconciled",
		Field{"event_id", env.ID}, Field{"event_type", env.Type}, Field{"subscription_ref", ref},
		Field{"disposition", string(res.Disposition)}, Field{"outcome", string(res.Outcome)})
	return res, nil
}

func (r *Reconciler) afterCommit(ctx context.Context, env Envelope, proj Projection) {
	if proj.Previous != proj.Record.Status {
		r.metrics.RecordStatusTransition(r.provider, string(proj.Previous), string(proj.Record.Status))
	}
	if r.onApplied == nil {
		return
	}
	err := r.onApplied(ctx, WebhookEvent{
		EventID:        env.ID,
		EventType:      env.Type,
		EventTimestamp: env.CreatedAt,
		Provider:       r.provider,
		UserID:         proj.Record.UserID,
		PreviousStatus: proj.Previous,
		NewStatus:      proj.Record.Status,
		Outcome:        proj.Outcome,
		Subscription:   proj.Record.Clone(),
	})
	if err != nil {
		r.logger.Warn("on-applied callback failed",
			Field{"event_id", env.ID}, Field{"error", err.Error()})
	}
}
