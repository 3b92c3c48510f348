package license

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// ProceedFunc starts the protected application with a validated license.
type ProceedFunc func(ctx context.Context, lic *License) error

// ActivationPresenter is told when the user has to activate. cause is nil on
// a cold start and otherwise explains why the previous license was cleared.
type ActivationPresenter interface {
	ActivationRequired(ctx context.Context, cause error)
}

// ActivationPresenterFunc adapts a function to ActivationPresenter.
type ActivationPresenterFunc func(ctx context.Context, cause error)

func (f ActivationPresenterFunc) ActivationRequired(ctx context.Context, cause error) {
	f(ctx, cause)
}

// Surface is the set of activation operations offered to a presentation
// layer. Only one of them runs at a time; a concurrent call fails with
// ErrFlowInProgress.
type Surface interface {
	StartActivation(ctx context.Context) (*License, error)
	StartActivationAsync(ctx context.Context) error
	CancelActivation() bool
	GenerateDeviceToken(ctx context.Context) (string, error)
	SelectLicenseToken(ctx context.Context, token []byte) (*License, error)
	CurrentLicense(ctx context.Context) (*License, error)
	Deactivate(ctx context.Context) error
}

var _ Surface = (*Gate)(nil)

// GateConfig wires a Gate.
type GateConfig struct {
	Store     Store
	Client    ServiceClient
	Opener    BrowserOpener
	Proceed   ProceedFunc
	Presenter ActivationPresenter
	Events    EventSink

	Policy          TransientPolicy
	PollInterval    time.Duration
	PollTimeout     time.Duration
	DeviceTokenPath string

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *Metrics
}

// Gate is the entry point run on application start and on every resume. It
// owns one Guard and one Activator and serializes everything that writes the
// store.
type Gate struct {
	store     Store
	guard     *Guard
	activator *Activator
	proceed   ProceedFunc
	presenter ActivationPresenter
	events    EventSink
	now       func() time.Time
	log       *actionLogger

	runs        singleflight.Group
	flow        *semaphore.Weighted
	completions chan struct{}

	// runCtx is shared by every Run joined to the current evaluation and is
	// cancelled once the last of them has returned.
	runMu      sync.Mutex
	runCtx     context.Context
	runCancel  context.CancelFunc
	runWaiters int

	mu           sync.Mutex
	cancelOnline context.CancelFunc
}

func NewGate(cfg GateConfig) *Gate {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Events == nil {
		cfg.Events = discardSink{}
	}

	g := &Gate{
		store:       cfg.Store,
		proceed:     cfg.Proceed,
		presenter:   cfg.Presenter,
		events:      cfg.Events,
		now:         cfg.Now,
		log:         newActionLogger(cfg.Logger),
		flow:        semaphore.NewWeighted(1),
		completions: make(chan struct{}, 1),
	}
	g.guard = NewGuard(GuardConfig{
		Store:   cfg.Store,
		Client:  cfg.Client,
		Policy:  cfg.Policy,
		Now:     cfg.Now,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
		Events:  cfg.Events,
	})
	g.activator = NewActivator(ActivatorConfig{
		Store:           cfg.Store,
		Client:          cfg.Client,
		Opener:          cfg.Opener,
		PollInterval:    cfg.PollInterval,
		PollTimeout:     cfg.PollTimeout,
		DeviceTokenPath: cfg.DeviceTokenPath,
		OnComplete:      func(*License) { g.signalComplete() },
		Now:             cfg.Now,
		Logger:          cfg.Logger,
		Metrics:         cfg.Metrics,
		Events:          cfg.Events,
	})
	return g
}

// DeviceTokenPath returns where GenerateDeviceToken writes its artifact.
func (g *Gate) DeviceTokenPath() string {
	return g.activator.DeviceTokenPath()
}

// Run evaluates the local license and either proceeds, waits for an
// activation and evaluates again, or returns the error that blocked startup.
// Calls made while an evaluation is in progress join it. A caller whose ctx
// ends stops waiting; the shared evaluation stops only when every caller has.
func (g *Gate) Run(ctx context.Context) error {
	ch := g.joinRun(ctx)
	defer g.leaveRun()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (g *Gate) joinRun(ctx context.Context) <-chan singleflight.Result {
	g.runMu.Lock()
	defer g.runMu.Unlock()
	if g.runWaiters == 0 {
		g.runCtx, g.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	g.runWaiters++
	runCtx := g.runCtx
	return g.runs.DoChan("run", func() (any, error) {
		return nil, g.run(runCtx)
	})
}

func (g *Gate) leaveRun() {
	g.runMu.Lock()
	defer g.runMu.Unlock()
	g.runWaiters--
	if g.runWaiters > 0 {
		return
	}
	g.runCancel()
	g.runCtx, g.runCancel = nil, nil
	// A cancelled evaluation may still be unwinding; the next Run starts afresh.
	g.runs.Forget("run")
}

func (g *Gate) run(ctx context.Context) error {
	for {
		d, err := g.evaluate(ctx)
		switch d.Action {
		case ActionProceed:
			g.events.Publish(Event{Type: EventProceed, License: redacted(d.License), Time: g.now()})
			if g.proceed == nil {
				return nil
			}
			return g.proceed(ctx, d.License)

		case ActionEnterActivation:
			if err != nil {
				g.log.failure(ctx, "gate_run", "license_cleared", err)
			}
			g.drainCompletions()
			g.events.Publish(errorEvent(EventActivationRequired, d.Cause, g.now()))
			if g.presenter != nil {
				g.presenter.ActivationRequired(ctx, d.Cause)
			}
			g.log.log(ctx, slog.LevelInfo, "gate_run", "awaiting_activation")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-g.completions:
			}

		default:
			return err
		}
	}
}

func (g *Gate) evaluate(ctx context.Context) (Decision, error) {
	if err := g.flow.Acquire(ctx, 1); err != nil {
		return Decision{Action: ActionAbort, Cause: err}, err
	}
	defer g.flow.Release(1)
	return g.guard.Evaluate(ctx)
}

// drainCompletions discards a completion signalled while no Run was waiting.
func (g *Gate) drainCompletions() {
	select {
	case <-g.completions:
	default:
	}
}

func (g *Gate) signalComplete() {
	select {
	case g.completions <- struct{}{}:
	default:
	}
}

// StartActivation runs the online flow and blocks until it stores a license,
// fails, or is cancelled with CancelActivation or ctx.
func (g *Gate) StartActivation(ctx context.Context) (*License, error) {
	if !g.flow.TryAcquire(1) {
		return nil, ErrFlowInProgress
	}
	defer g.flow.Release(1)
	return g.runOnline(ctx)
}

// StartActivationAsync starts the online flow in the background. The outcome
// is reported through events.
func (g *Gate) StartActivationAsync(ctx context.Context) error {
	if !g.flow.TryAcquire(1) {
		return ErrFlowInProgress
	}
	go func() {
		defer g.flow.Release(1)
		_, _ = g.runOnline(ctx)
	}()
	return nil
}

func (g *Gate) runOnline(ctx context.Context) (*License, error) {
	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancelOnline = cancel
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.cancelOnline = nil
		g.mu.Unlock()
		cancel()
	}()

	return g.activator.StartActivation(ctx)
}

// CancelActivation stops a running online flow. It reports whether one was
// running.
func (g *Gate) CancelActivation() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelOnline == nil {
		return false
	}
	g.cancelOnline()
	g.cancelOnline = nil
	return true
}

// GenerateDeviceToken writes a fresh device token and returns its path.
func (g *Gate) GenerateDeviceToken(ctx context.Context) (string, error) {
	if !g.flow.TryAcquire(1) {
		return "", ErrFlowInProgress
	}
	defer g.flow.Release(1)
	return g.activator.GenerateDeviceToken(ctx)
}

// SelectLicenseToken imports a signed license token chosen by the user.
func (g *Gate) SelectLicenseToken(ctx context.Context, token []byte) (*License, error) {
	if !g.flow.TryAcquire(1) {
		return nil, ErrFlowInProgress
	}
	defer g.flow.Release(1)
	return g.activator.SelectAndActivate(ctx, token)
}

// CurrentLicense returns the stored license without validating it. It does
// not take the flow lock since it never writes.
func (g *Gate) CurrentLicense(ctx context.Context) (*License, error) {
	lic, err := g.store.Load(ctx)
	if err != nil {
		return nil, storageError("load license", err)
	}
	if lic != nil {
		lic.State = StateUnvalidated
	}
	return lic, nil
}

// Deactivate deletes the local license. The next Run enters activation.
func (g *Gate) Deactivate(ctx context.Context) error {
	if !g.flow.TryAcquire(1) {
		return ErrFlowInProgress
	}
	defer g.flow.Release(1)

	if err := g.store.Delete(ctx); err != nil {
		err = storageError("delete license", err)
		g.log.failure(ctx, "deactivate", "failed", err)
		return err
	}
	g.log.log(ctx, slog.LevelInfo, "deactivate", "license_cleared")
	g.events.Publish(Event{Type: EventLicenseReset, Message: "license deactivated", Time: g.now()})
	return nil
}

// redacted drops the signed token so events can be shown to a UI.
func redacted(lic *License) *License {
	if lic == nil {
		return nil
	}
	c := lic.Clone()
	c.Token = ""
	return c
}
