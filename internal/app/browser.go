package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/pkg/browser"

	"licensegate/internal/config"
	"licensegate/internal/license"
)

// SystemBrowser opens activation pages in the user's default browser. When
// that fails it prints the URL so the user can open it by hand.
type SystemBrowser struct {
	console io.Writer
	logger  *slog.Logger
	open    func(url string) error
}

var _ license.BrowserOpener = (*SystemBrowser)(nil)

func NewSystemBrowser(console io.Writer, logger *slog.Logger) *SystemBrowser {
	browser.Stdout = io.Discard
	browser.Stderr = io.Discard
	return &SystemBrowser{console: console, logger: logger, open: browser.OpenURL}
}

func (b *SystemBrowser) OpenBrowser(ctx context.Context, url string) error {
	if err := b.open(url); err != nil {
		b.logger.WarnContext(ctx, "Failed to open browser", slog.String("error", err.Error()))
		fmt.Fprintf(b.console, "\nOpen this page to activate %s:\n  %s\n\n", config.AppName, url)
		return nil
	}
	b.logger.InfoContext(ctx, "Browser opened for activation")
	return nil
}
