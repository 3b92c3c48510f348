package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Action is the outcome of a guard evaluation.
type Action int

const (
	// ActionAbort stops startup and reports the error. Local state is untouched.
	ActionAbort Action = iota
	// ActionProceed starts the protected application.
	ActionProceed
	// ActionEnterActivation shows the activation flows.
	ActionEnterActivation
)

func (a Action) String() string {
	switch a {
	case ActionProceed:
		return "proceed"
	case ActionEnterActivation:
		return "enter_activation"
	default:
		return "abort"
	}
}

// TransientPolicy decides what happens when an online license cannot be
// re-validated because the service is unreachable.
type TransientPolicy int

const (
	// TransientAbort blocks startup and reports the error.
	TransientAbort TransientPolicy = iota
	// TransientProceedCached proceeds with the cached record, flagged unverified.
	TransientProceedCached
)

func (p TransientPolicy) String() string {
	if p == TransientProceedCached {
		return "proceed_cached"
	}
	return "abort"
}

// ParseTransientPolicy accepts "abort" and "proceed_cached".
func ParseTransientPolicy(s string) (TransientPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "abort":
		return TransientAbort, nil
	case "proceed_cached", "proceed-cached":
		return TransientProceedCached, nil
	default:
		return TransientAbort, fmt.Errorf("unknown transient policy %q", s)
	}
}

// Decision is what the guard concluded.
type Decision struct {
	Action  Action
	License *License
	// Cause explains an EnterActivation or Abort: the classification that
	// cleared the local license, or the error that blocked startup.
	Cause error
	// Unverified is set when an online license is used without the service
	// confirming it (TransientProceedCached).
	Unverified bool
}

// GuardConfig holds the guard collaborators.
type GuardConfig struct {
	Store   Store
	Client  ServiceClient
	Policy  TransientPolicy
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *Metrics
	Events  EventSink
}

// Guard decides, from the persisted license, whether to proceed, activate or
// abort. It keeps no state between evaluations.
type Guard struct {
	store   Store
	client  ServiceClient
	policy  TransientPolicy
	now     func() time.Time
	log     *actionLogger
	metrics *Metrics
	events  EventSink
}

func NewGuard(cfg GuardConfig) *Guard {
	g := &Guard{
		store:   cfg.Store,
		client:  cfg.Client,
		policy:  cfg.Policy,
		now:     cfg.Now,
		log:     newActionLogger(cfg.Logger),
		metrics: cfg.Metrics,
		events:  cfg.Events,
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.events == nil {
		g.events = discardSink{}
	}
	return g
}

// Evaluate runs the guard once.
//
// The returned error is non-nil for Abort, and for EnterActivation when the
// license was cleared because of an unclassified error. Definitive license
// verdicts (expired, invalid, revoked) are reported through Decision.Cause
// only.
func (g *Guard) Evaluate(ctx context.Context) (d Decision, err error) {
	ctx, span := startSpan(ctx, "license.guard.evaluate")
	start := time.Now()
	defer func() {
		span.SetAttributes(attribute.String("license.action", d.Action.String()))
		endSpan(span, err)
		g.metrics.recordDecision(ctx, d.Action, d.Cause, time.Since(start))
	}()

	lic, err := g.store.Load(ctx)
	if err != nil {
		if IsCorrupt(err) {
			g.log.failure(ctx, "guard_load", "corrupt_record", err)
			return g.reset(ctx, nil, err, false)
		}
		g.log.failure(ctx, "guard_load", "aborted", err)
		return Decision{Action: ActionAbort, Cause: err}, err
	}
	if lic == nil {
		g.log.log(ctx, slog.LevelInfo, "guard_load", "no_license")
		return Decision{Action: ActionEnterActivation}, nil
	}

	switch lic.ActivationMethod {
	case ActivationOffline:
		return g.evaluateOffline(ctx, lic)
	case ActivationOnline:
		return g.evaluateOnline(ctx, lic)
	default:
		cause := errorf(KindLicenseInvalid, "guard", "unknown activation method %q", lic.ActivationMethod)
		return g.reset(ctx, lic, cause, false)
	}
}

func (g *Guard) evaluateOffline(ctx context.Context, lic *License) (Decision, error) {
	if err := g.verifyOffline(lic, g.now()); err != nil {
		return g.reset(ctx, lic, err, false)
	}

	lic.State = StateValid
	g.log.license(ctx, slog.LevelInfo, "guard_validate_offline", "valid", lic)
	return Decision{Action: ActionProceed, License: lic}, nil
}

// verifyOffline checks the stored token signature and its expiry. The
// expiry is taken from the signed token, not from the stored fields.
func (g *Guard) verifyOffline(lic *License, now time.Time) error {
	signed, err := g.client.ParseLicenseToken([]byte(lic.Token))
	if err != nil {
		if KindOf(err).Definitive() {
			return err
		}
		return NewError(KindLicenseInvalid, "verify offline license", err)
	}
	if signed.ID != lic.ID {
		return errorf(KindLicenseInvalid, "verify offline license", "token is for license %s", MaskID(signed.ID))
	}
	if signed.Expired(now) {
		return errorf(KindLicenseExpired, "verify offline license", "expired at %s", signed.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func (g *Guard) evaluateOnline(ctx context.Context, lic *License) (Decision, error) {
	refreshed, err := g.client.ValidateLicense(ctx, lic)
	if err == nil {
		refreshed, err = g.acceptRefreshed(lic, refreshed)
	}
	if err != nil {
		if ctx.Err() != nil {
			err = NewError(KindTransient, "validate online license", errors.Join(err, ctx.Err()))
			g.log.failure(ctx, "guard_validate_online", "cancelled", err)
			return Decision{Action: ActionAbort, Cause: err}, err
		}
		return g.onlineFailure(ctx, lic, err)
	}

	if err := g.store.Store(ctx, refreshed); err != nil {
		err = storageError("store refreshed license", err)
		g.log.failure(ctx, "guard_store_refreshed", "aborted", err)
		return Decision{Action: ActionAbort, Cause: err}, err
	}

	refreshed.State = StateValid
	g.log.license(ctx, slog.LevelInfo, "guard_validate_online", "valid", refreshed)
	return Decision{Action: ActionProceed, License: refreshed}, nil
}

func (g *Guard) acceptRefreshed(stored, refreshed *License) (*License, error) {
	if refreshed == nil {
		refreshed = stored.Clone()
	}
	if refreshed.ActivationMethod == "" {
		refreshed.ActivationMethod = ActivationOnline
	}
	if err := refreshed.Validate(); err != nil {
		return nil, NewError(KindLicenseInvalid, "validate online license", err)
	}
	return refreshed, nil
}

// onlineFailure classifies a failed online re-validation. Every Kind is listed
// so a new one cannot fall through silently.
func (g *Guard) onlineFailure(ctx context.Context, lic *License, err error) (Decision, error) {
	switch KindOf(err) {
	case KindTransient:
		if g.policy == TransientProceedCached {
			g.log.license(ctx, slog.LevelWarn, "guard_validate_online", "unverified", lic,
				slog.String("error", err.Error()))
			return Decision{Action: ActionProceed, License: lic, Cause: err, Unverified: true}, nil
		}
		g.log.failure(ctx, "guard_validate_online", "aborted", err)
		return Decision{Action: ActionAbort, License: lic, Cause: err}, err
	case KindLicenseExpired, KindLicenseInvalid, KindLicenseRevoked:
		return g.reset(ctx, lic, err, false)
	case KindStorage, KindActivationRequestFailed, KindDeviceToken, KindInvalidLicenseToken, KindUnknown:
		return g.reset(ctx, lic, err, true)
	default:
		return g.reset(ctx, lic, err, true)
	}
}

// reset deletes the local license and routes to activation. When the
// deletion fails the original cause is still reported first.
func (g *Guard) reset(ctx context.Context, lic *License, cause error, propagate bool) (Decision, error) {
	if lic != nil {
		lic.State = KindOf(cause).State()
	}
	if delErr := g.store.Delete(ctx); delErr != nil {
		err := errors.Join(cause, storageError("delete license", delErr))
		g.log.failure(ctx, "guard_reset", "delete_failed", err)
		return Decision{Action: ActionAbort, License: lic, Cause: err}, err
	}

	g.metrics.recordReset(ctx, cause)
	g.log.license(ctx, slog.LevelWarn, "guard_reset", "license_cleared", lic,
		slog.String("reason", cause.Error()),
		slog.String("error_kind", KindOf(cause).String()))
	g.events.Publish(errorEvent(EventLicenseReset, cause, g.now()))

	d := Decision{Action: ActionEnterActivation, License: lic, Cause: cause}
	if propagate {
		return d, cause
	}
	return d, nil
}
