// Package inbox imports license token files dropped into a directory.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"licensegate/internal/config"
	"licensegate/internal/license"
)

// Extensions of files treated as license tokens.
var Extensions = []string{".lic", ".license"}

const (
	defaultSettle = 250 * time.Millisecond
	defaultRetry  = 2 * time.Second
)

// Importer imports a signed license token. *license.Gate implements it.
type Importer interface {
	SelectLicenseToken(ctx context.Context, token []byte) (*license.License, error)
}

// Watcher watches a directory and imports license token files written to it.
// A file is removed once its token has been imported; rejected files stay in
// place until they are replaced.
type Watcher struct {
	dir      string
	importer Importer
	logger   *slog.Logger

	// settle is how long a file must stay unchanged before it is read.
	settle time.Duration
	// retry is the delay before a file is tried again while another license
	// operation is running.
	retry time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithSettleDelay sets how long a file must be quiet before it is imported.
func WithSettleDelay(d time.Duration) Option {
	return func(w *Watcher) { w.settle = d }
}

// WithRetryDelay sets the retry delay used while a flow is in progress.
func WithRetryDelay(d time.Duration) Option {
	return func(w *Watcher) { w.retry = d }
}

func New(dir string, importer Importer, logger *slog.Logger, opts ...Option) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		dir:      dir,
		importer: importer,
		logger:   logger.With(slog.String("component", "inbox"), slog.String("dir", dir)),
		settle:   defaultSettle,
		retry:    defaultRetry,
		pending:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches the inbox until ctx is done. Token files already present when
// it starts are imported too.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create inbox directory: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() {
		_ = fsw.Close()
		w.stopPending()
		w.wg.Wait()
	}()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch inbox directory: %w", err)
	}
	w.logger.InfoContext(ctx, "Watching license inbox")

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read inbox directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && IsTokenFile(e.Name()) {
			w.schedule(ctx, filepath.Join(w.dir, e.Name()), w.settle)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.WarnContext(ctx, "Inbox watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !IsTokenFile(event.Name) {
		return
	}
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		w.schedule(ctx, event.Name, w.settle)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.cancel(event.Name)
	}
}

// schedule imports path after delay, restarting the delay when the file is
// written again in the meantime.
func (w *Watcher) schedule(ctx context.Context, path string, delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		if t.Stop() {
			t.Reset(delay)
			return
		}
	}
	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.pending[path] == t {
			delete(w.pending, path)
		}
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		w.process(ctx, path)
	})
	w.pending[path] = t
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok && t.Stop() {
		delete(w.pending, path)
		w.wg.Done()
	}
}

func (w *Watcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.pending, path)
	}
}

func (w *Watcher) process(ctx context.Context, path string) {
	log := w.logger.With(slog.String("file", filepath.Base(path)))

	token, err := readToken(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		log.WarnContext(ctx, "Failed to read license file", slog.String("error", err.Error()))
		return
	}

	lic, err := w.importer.SelectLicenseToken(ctx, token)
	switch {
	case errors.Is(err, license.ErrFlowInProgress):
		log.InfoContext(ctx, "License operation in progress, retrying import later")
		w.schedule(ctx, path, w.retry)
		return
	case err != nil:
		log.WarnContext(ctx, "License file rejected",
			slog.String("kind", license.KindOf(err).String()),
			slog.String("error", err.Error()))
		return
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WarnContext(ctx, "Failed to remove imported license file", slog.String("error", err.Error()))
	}
	log.InfoContext(ctx, "License file imported", slog.String("product", lic.Product.ID))
}

func readToken(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, config.MaxLicenseTokenSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > config.MaxLicenseTokenSize {
		return nil, fmt.Errorf("license file exceeds %d bytes", config.MaxLicenseTokenSize)
	}
	return data, nil
}

// IsTokenFile reports whether name has a license token extension.
func IsTokenFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}
