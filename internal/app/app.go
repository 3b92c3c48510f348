// Package app wires the license gate, its storage, the licensing client and
// the local activation surface into one application.
package app

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"licensegate/internal/config"
	"licensegate/internal/inbox"
	"licensegate/internal/infrastructure"
	"licensegate/internal/license"
	"licensegate/internal/licensing"
	"licensegate/internal/persis"
	"licensegate/internal/persis/filestore"
	"licensegate/internal/persis/sqlitestore"
	"licensegate/internal/security"
	handlers "licensegate/internal/transport/http"
	ws "licensegate/internal/websocket"
)

// Version is set at build time.
var Version = "dev"

// BuildID identifies the build in logs.
var BuildID = generateBuildID()

func generateBuildID() string {
	h := sha256.Sum256([]byte(Version + time.Now().Format("2006-01-02")))
	return fmt.Sprintf("%x", h[:6])
}

// Options customize how the application is assembled.
type Options struct {
	// Proceed starts the protected program once the gate lets it through.
	Proceed license.ProceedFunc
	// Presenter is told when activation is required. Optional.
	Presenter license.ActivationPresenter
	// Opener shows the online activation page. Defaults to the system
	// browser.
	Opener license.BrowserOpener
	// Logger overrides the configured logger.
	Logger *slog.Logger
	// Console receives messages meant for the user. Defaults to os.Stderr.
	Console io.Writer
	// Fingerprint overrides the host fingerprint source.
	Fingerprint security.FingerprintSource
}

// Application represents the main application container
type Application struct {
	Config *config.Config
	Paths  *config.Paths
	Logger *slog.Logger

	OTel   *infrastructure.OTelProviders
	Client *licensing.Client
	Store  license.Store
	Gate   *license.Gate
	Hub    *ws.Hub
	Inbox  *inbox.Watcher

	closers []func() error
}

// New assembles the application from cfg.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Application, err error) {
	paths, err := cfg.ResolvePaths()
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}

	a := &Application{Config: cfg, Paths: paths}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.Logger = opts.Logger
	if a.Logger == nil {
		if a.Logger, err = infrastructure.InitializeLogger(cfg.Logging, paths.LogFile); err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		a.closers = append(a.closers, infrastructure.CloseLogFile)
	}
	a.Logger.InfoContext(ctx, "Application starting",
		slog.String("name", config.AppName),
		slog.String("version", Version),
		slog.String("build_id", BuildID))
	paths.LogPathResolution(a.Logger)

	if a.OTel, err = infrastructure.InitializeOTel(cfg.Telemetry, Version, os.Stderr, a.Logger); err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	metrics, err := license.NewMetrics(a.OTel.Meter("licensegate/license"))
	if err != nil {
		return nil, fmt.Errorf("failed to create license metrics: %w", err)
	}

	var fingerprints *security.FingerprintManager
	if opts.Fingerprint != nil {
		fingerprints = security.NewFingerprintManagerWithSource(opts.Fingerprint, a.Logger)
	} else {
		fingerprints = security.NewFingerprintManager(a.Logger)
	}

	if a.Store, err = a.openStore(ctx, fingerprints); err != nil {
		return nil, err
	}
	if a.Client, err = a.newClient(fingerprints); err != nil {
		return nil, err
	}

	policy, err := license.ParseTransientPolicy(cfg.Licensing.TransientPolicy)
	if err != nil {
		return nil, err
	}

	a.Hub = ws.NewHub(a.Logger, a.OTel.Meter("licensegate/websocket"))

	opener := opts.Opener
	if opener == nil {
		console := opts.Console
		if console == nil {
			console = os.Stderr
		}
		opener = NewSystemBrowser(console, a.Logger)
	}

	a.Gate = license.NewGate(license.GateConfig{
		Store:           a.Store,
		Client:          a.Client,
		Opener:          opener,
		Proceed:         opts.Proceed,
		Presenter:       opts.Presenter,
		Events:          a.Hub,
		Policy:          policy,
		PollInterval:    cfg.Licensing.PollInterval,
		PollTimeout:     cfg.Licensing.PollTimeout,
		DeviceTokenPath: paths.DeviceTokenFile,
		Logger:          a.Logger,
		Metrics:         metrics,
	})
	a.Inbox = inbox.New(paths.InboxDir, a.Gate, a.Logger)

	return a, nil
}

func (a *Application) openStore(ctx context.Context, fingerprints *security.FingerprintManager) (license.Store, error) {
	var sealer persis.Sealer
	if a.Config.Store.Encrypt {
		s, err := security.NewFingerprintSealer(fingerprints, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create license sealer: %w", err)
		}
		sealer = s
	}

	switch a.Config.Store.Backend {
	case config.StoreSQLite:
		store, err := sqlitestore.Open(ctx, a.Paths.DatabaseFile, sealer)
		if err != nil {
			return nil, fmt.Errorf("failed to open license database: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		return filestore.New(a.Paths.DataDir, sealer), nil
	}
}

func (a *Application) newClient(fingerprints *security.FingerprintManager) (*licensing.Client, error) {
	pem, err := a.Config.PublicKeyPEM()
	if err != nil {
		return nil, err
	}
	publicKey, err := licensing.ParsePublicKeyPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("failed to parse vendor public key: %w", err)
	}
	installationID, err := licensing.LoadOrCreateInstallationID(a.Paths.InstallationIDFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load installation id: %w", err)
	}
	return licensing.New(licensing.Config{
		Endpoint:       a.Config.Licensing.Endpoint,
		ProductID:      a.Config.Licensing.ProductID,
		PublicKey:      publicKey,
		InstallationID: installationID,
		Timeout:        a.Config.Licensing.RequestTimeout,
		UserAgent:      config.AppSlug + "/" + Version,
	}, fingerprints, a.Logger)
}

// Handler builds the activation surface router.
func (a *Application) Handler(ctx context.Context) (http.Handler, error) {
	return handlers.NewRouter(handlers.RouterConfig{
		FlowContext: ctx,
		Gate:        a.Gate,
		Events:      ws.NewHandler(a.Hub, a.Config.Server.AllowedOrigins, a.Logger),
		Metrics:     a.OTel.MetricsHandler,
		Meter:       a.OTel.Meter("licensegate/http"),
		Server:      a.Config.Server,
		Version:     Version,
		Logger:      a.Logger,
	})
}

// Serve runs the activation surface, the event hub and the inbox watcher
// until ctx is done or one of them fails.
func (a *Application) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	a.startBackground(ctx, g)
	return g.Wait()
}

// RunGate runs the gate with the activation surface alongside it. It returns
// once the gate has proceeded (and the proceed callback has returned) or
// failed.
func (a *Application) RunGate(ctx context.Context) error {
	return a.RunWith(ctx, a.Gate.Run)
}

// RunWith runs fn while the activation surface, the event hub and the inbox
// watcher serve in the background. The background services are stopped when
// fn returns.
func (a *Application) RunWith(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	a.startBackground(gctx, g)

	fnErr := fn(gctx)
	cancel()
	bgErr := g.Wait()
	if errors.Is(fnErr, context.Canceled) && bgErr != nil {
		return fmt.Errorf("background service failed: %w", bgErr)
	}
	if bgErr != nil {
		a.Logger.WarnContext(ctx, "Background service stopped with error", slog.String("error", bgErr.Error()))
	}
	return fnErr
}

func (a *Application) startBackground(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		a.Hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return a.Inbox.Run(ctx)
	})
	g.Go(func() error {
		handler, err := a.Handler(ctx)
		if err != nil {
			return err
		}
		return handlers.NewServer(a.Config.Server, handler, a.Logger).Run(ctx)
	})
}

// Close releases the store and telemetry providers.
func (a *Application) Close(ctx context.Context) error {
	var errs []error
	if a.OTel != nil {
		if err := a.OTel.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
