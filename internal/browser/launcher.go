// Package browser launches the Chrome instance that runs the app and reports
// its lifecycle as browserStatusChange events.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/chromedp/chromedp"
)

// Browser statuses carried by browserStatusChange.
const (
	StatusOpening = "opening"
	StatusOpen    = "open"
	StatusClosed  = "closed"
)

// ErrAlreadyOpen is returned by Open while a browser is running.
var ErrAlreadyOpen = errors.New("browser: already open")

// StatusSink receives status transitions. *bus.Emitter implements it.
type StatusSink interface {
	BrowserStatusChange(status string)
}

// startFunc starts a browser on url. The returned context is done once the
// browser has gone away; cancel shuts it down.
type startFunc func(ctx context.Context, url string) (context.Context, context.CancelFunc, error)

// Launcher manages a single Chrome instance.
type Launcher struct {
	profileDir string
	headless   bool
	sink       StatusSink
	logger     *slog.Logger
	start      startFunc

	mu     sync.Mutex
	status string
	cancel context.CancelFunc
	done   chan struct{}
}

// LauncherConfig holds configuration for the launcher.
type LauncherConfig struct {
	ProfileDir string // Chrome user data directory (persists cookies/sessions)
	Headless   bool
	Sink       StatusSink
	Logger     *slog.Logger
}

func NewLauncher(cfg LauncherConfig) *Launcher {
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".launchpad", "chrome-profile")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	l := &Launcher{
		profileDir: cfg.ProfileDir,
		headless:   cfg.Headless,
		sink:       cfg.Sink,
		logger:     cfg.Logger,
		status:     StatusClosed,
	}
	l.start = l.startChrome
	return l
}

// Status returns the current browser status.
func (l *Launcher) Status() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Open starts Chrome on url. It reports "opening", then "open" once the page
// has been navigated, and "closed" when the browser goes away for any reason.
func (l *Launcher) Open(ctx context.Context, url string) error {
	l.mu.Lock()
	if l.status != StatusClosed {
		l.mu.Unlock()
		return ErrAlreadyOpen
	}
	l.setStatus(StatusOpening)
	l.mu.Unlock()

	l.logger.Info("opening browser", "url", url, "headless", l.headless)
	browserCtx, cancel, err := l.start(ctx, url)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.setStatus(StatusClosed)
		return fmt.Errorf("open browser: %w", err)
	}

	l.cancel = cancel
	l.done = make(chan struct{})
	l.setStatus(StatusOpen)
	go l.watch(browserCtx, l.done)
	return nil
}

func (l *Launcher) watch(browserCtx context.Context, done chan struct{}) {
	<-browserCtx.Done()

	l.mu.Lock()
	l.cancel()
	l.cancel = nil
	l.setStatus(StatusClosed)
	l.mu.Unlock()

	l.logger.Info("browser closed")
	close(done)
}

// Close shuts the browser down and waits for the "closed" transition. It is
// a no-op when no browser is open.
func (l *Launcher) Close() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// setStatus must be called with l.mu held.
func (l *Launcher) setStatus(status string) {
	if l.status == status {
		return
	}
	l.status = status
	if l.sink != nil {
		l.sink.BrowserStatusChange(status)
	}
}

func (l *Launcher) startChrome(ctx context.Context, url string) (context.Context, context.CancelFunc, error) {
	if err := os.MkdirAll(l.profileDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create profile dir %s: %w", l.profileDir, err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(l.profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
	)
	if l.headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	// The browser outlives the Open call, so it hangs off a detached context.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			l.logger.Debug(fmt.Sprintf(format, args...))
		}),
	)
	cancel := func() {
		taskCancel()
		allocCancel()
	}

	stop := context.AfterFunc(ctx, cancel)
	err := chromedp.Run(taskCtx, chromedp.Navigate(url))
	if !stop() || err != nil {
		cancel()
		if err == nil {
			err = ctx.Err()
		}
		return nil, nil, fmt.Errorf("navigate to %s: %w", url, err)
	}
	return taskCtx, cancel, nil
}
