package license

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"licensegate/internal/fileutil"
)

const (
	DefaultPollInterval    = time.Second
	DefaultDeviceTokenFile = "device.dt"
)

// ActivatorConfig holds the activation collaborators and tuning.
type ActivatorConfig struct {
	Store  Store
	Client ServiceClient
	// Opener shows the online activation page. Nil leaves surfacing the URL
	// to the event sink.
	Opener BrowserOpener
	// PollInterval is the delay between activation status polls.
	PollInterval time.Duration
	// PollTimeout bounds the polling loop. Zero polls until the context ends.
	PollTimeout time.Duration
	// DeviceTokenPath is where GenerateDeviceToken writes the token.
	DeviceTokenPath string
	// OnComplete is called after a license was stored by either flow.
	OnComplete func(*License)
	Now        func() time.Time
	Logger     *slog.Logger
	Metrics    *Metrics
	Events     EventSink
}

// Activator runs the online and offline activation flows. Each flow either
// stores a license and signals completion or leaves the store untouched.
type Activator struct {
	store           Store
	client          ServiceClient
	opener          BrowserOpener
	pollInterval    time.Duration
	pollTimeout     time.Duration
	deviceTokenPath string
	onComplete      func(*License)
	now             func() time.Time
	log             *actionLogger
	metrics         *Metrics
	events          EventSink
}

func NewActivator(cfg ActivatorConfig) *Activator {
	a := &Activator{
		store:           cfg.Store,
		client:          cfg.Client,
		opener:          cfg.Opener,
		pollInterval:    cfg.PollInterval,
		pollTimeout:     cfg.PollTimeout,
		deviceTokenPath: cfg.DeviceTokenPath,
		onComplete:      cfg.OnComplete,
		now:             cfg.Now,
		log:             newActionLogger(cfg.Logger),
		metrics:         cfg.Metrics,
		events:          cfg.Events,
	}
	if a.pollInterval <= 0 {
		a.pollInterval = DefaultPollInterval
	}
	if a.deviceTokenPath == "" {
		a.deviceTokenPath = DefaultDeviceTokenFile
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.events == nil {
		a.events = discardSink{}
	}
	return a
}

// DeviceTokenPath returns where device tokens are written.
func (a *Activator) DeviceTokenPath() string {
	return a.deviceTokenPath
}

// StartActivation runs the online flow: request an activation, surface the
// browser URL once, then poll until the service returns a license. Cancel ctx
// to abandon the flow.
func (a *Activator) StartActivation(ctx context.Context) (lic *License, err error) {
	ctx, span := startSpan(ctx, "license.activation.online")
	start := time.Now()
	a.metrics.recordActivationStart(ctx, flowOnline)
	defer func() {
		endSpan(span, err)
		a.metrics.recordActivationEnd(ctx, flowOnline, time.Since(start), err)
		if err != nil {
			a.log.failure(ctx, "activate_online", "failed", err)
			a.events.Publish(errorEvent(EventActivationFailed, err, a.now()))
		}
	}()

	req, err := a.client.RequestActivation(ctx)
	if err != nil {
		if KindOf(err) != KindActivationRequestFailed {
			err = NewError(KindActivationRequestFailed, "request activation", err)
		}
		return nil, err
	}
	if req == nil || req.BrowserURL == "" {
		return nil, errorf(KindActivationRequestFailed, "request activation", "service returned no activation URL")
	}
	span.SetAttributes(attribute.String("license.correlation_id", req.CorrelationID))
	a.log.log(ctx, slog.LevelInfo, "activate_online", "requested",
		slog.String("correlation_id", req.CorrelationID))

	a.surface(ctx, req)

	lic, err = a.poll(ctx, req)
	if err != nil {
		return nil, err
	}
	lic.ActivationMethod = ActivationOnline
	if err := lic.Validate(); err != nil {
		return nil, NewError(KindActivationRequestFailed, "poll activation", err)
	}

	if err := a.commit(ctx, "activate_online", lic); err != nil {
		return nil, err
	}
	return lic, nil
}

// surface publishes the browser URL and opens it. An opener failure is
// logged only; the user can still follow the published URL.
func (a *Activator) surface(ctx context.Context, req *ActivationRequest) {
	a.events.Publish(Event{Type: EventBrowserURL, BrowserURL: req.BrowserURL, Time: a.now()})
	if a.opener == nil {
		return
	}
	if err := a.opener.OpenBrowser(ctx, req.BrowserURL); err != nil {
		a.log.log(ctx, slog.LevelWarn, "activate_online", "browser_open_failed",
			slog.String("error", err.Error()))
	}
}

// poll waits one interval before every status call. Transient poll errors
// are retried; any other error ends the flow.
func (a *Activator) poll(ctx context.Context, req *ActivationRequest) (*License, error) {
	if a.pollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.pollTimeout)
		defer cancel()
	}

	timer := time.NewTimer(a.pollInterval)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			a.log.log(ctx, slog.LevelInfo, "activate_online", "abandoned",
				slog.Int("polls", attempt-1))
			return nil, ctx.Err()
		case <-timer.C:
		}

		lic, err := a.client.GetRequestedActivation(ctx, req)
		switch {
		case err == nil && lic != nil:
			a.metrics.recordPoll(ctx, false)
			a.log.log(ctx, slog.LevelDebug, "activate_online", "poll_complete", slog.Int("polls", attempt))
			return lic, nil
		case err == nil:
			a.metrics.recordPoll(ctx, true)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case KindOf(err) == KindTransient:
			a.metrics.recordPoll(ctx, true)
			a.log.log(ctx, slog.LevelWarn, "activate_online", "poll_retry",
				slog.Int("attempt", attempt), slog.String("error", err.Error()))
		default:
			if KindOf(err) == KindUnknown {
				err = NewError(KindActivationRequestFailed, "poll activation", err)
			}
			return nil, err
		}

		timer.Reset(a.pollInterval)
	}
}

// GenerateDeviceToken asks the service client for a device token and writes
// it to the device token path, replacing any previous token.
func (a *Activator) GenerateDeviceToken(ctx context.Context) (path string, err error) {
	ctx, span := startSpan(ctx, "license.device_token.generate")
	start := time.Now()
	a.metrics.recordActivationStart(ctx, flowDeviceToken)
	defer func() {
		endSpan(span, err)
		a.metrics.recordActivationEnd(ctx, flowDeviceToken, time.Since(start), err)
	}()

	token, err := a.client.GenerateDeviceToken(ctx)
	if err != nil {
		err = NewError(KindDeviceToken, "generate device token", err)
		a.log.failure(ctx, "device_token", "failed", err)
		return "", err
	}
	if len(token) == 0 {
		err = errorf(KindDeviceToken, "generate device token", "empty token")
		a.log.failure(ctx, "device_token", "failed", err)
		return "", err
	}

	if err := fileutil.WriteFileAtomic(a.deviceTokenPath, token, fileutil.FilePerm); err != nil {
		err = NewError(KindDeviceToken, "write device token", err)
		a.log.failure(ctx, "device_token", "failed", err)
		return "", err
	}

	path = a.deviceTokenPath
	if abs, absErr := filepath.Abs(path); absErr == nil {
		path = abs
	}
	a.log.log(ctx, slog.LevelInfo, "device_token", "written", slog.String("path", path))
	return path, nil
}

// SelectAndActivate imports a signed license token. The token is verified
// and checked for expiry before anything is stored. No network call is made.
func (a *Activator) SelectAndActivate(ctx context.Context, token []byte) (lic *License, err error) {
	ctx, span := startSpan(ctx, "license.activation.offline")
	start := time.Now()
	a.metrics.recordActivationStart(ctx, flowOffline)
	defer func() {
		endSpan(span, err)
		a.metrics.recordActivationEnd(ctx, flowOffline, time.Since(start), err)
		if err != nil {
			a.log.failure(ctx, "activate_offline", "failed", err)
			a.events.Publish(errorEvent(EventActivationFailed, err, a.now()))
		}
	}()

	if len(token) == 0 {
		return nil, errorf(KindInvalidLicenseToken, "parse license token", "empty token")
	}
	lic, err = a.client.ParseLicenseToken(token)
	if err != nil {
		return nil, NewError(KindInvalidLicenseToken, "parse license token", err)
	}
	lic.ActivationMethod = ActivationOffline
	if lic.Token == "" {
		lic.Token = string(token)
	}
	if err := lic.Validate(); err != nil {
		return nil, NewError(KindInvalidLicenseToken, "parse license token", err)
	}
	if lic.Expired(a.now()) {
		expired := errorf(KindLicenseExpired, "check license token", "expired at %s", lic.ExpiresAt.Format(time.RFC3339))
		return nil, NewError(KindInvalidLicenseToken, "check license token", expired)
	}

	if err := a.commit(ctx, "activate_offline", lic); err != nil {
		return nil, err
	}
	return lic, nil
}

// commit stores lic and signals completion. The completion signal is never
// sent when the store fails.
func (a *Activator) commit(ctx context.Context, action string, lic *License) error {
	if err := a.store.Store(ctx, lic); err != nil {
		return storageError("store license", err)
	}

	lic.State = StateUnvalidated
	a.log.license(ctx, slog.LevelInfo, action, "stored", lic)
	a.events.Publish(Event{Type: EventActivationComplete, Time: a.now()})
	if a.onComplete != nil {
		a.onComplete(lic)
	}
	return nil
}

// IsCancelled reports whether err ended a flow because its context was
// cancelled or timed out.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
