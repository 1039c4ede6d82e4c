package browser

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu       sync.Mutex
	statuses []string
}

func (s *recordingSink) BrowserStatusChange(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
}

func (s *recordingSink) get() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.statuses...)
}

func newTestLauncher(sink StatusSink, start startFunc) *Launcher {
	l := NewLauncher(LauncherConfig{
		ProfileDir: os.TempDir(),
		Sink:       sink,
		Logger:     slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	l.start = start
	return l
}

// fakeBrowser returns a startFunc whose browser stays up until its cancel
// is called or exit is closed.
func fakeBrowser(exit chan struct{}) startFunc {
	return func(ctx context.Context, url string) (context.Context, context.CancelFunc, error) {
		bctx, cancel := context.WithCancel(context.Background())
		if exit != nil {
			go func() {
				select {
				case <-exit:
					cancel()
				case <-bctx.Done():
				}
			}()
		}
		return bctx, cancel, nil
	}
}

func TestLauncher_OpenAndClose(t *testing.T) {
	sink := &recordingSink{}
	l := newTestLauncher(sink, fakeBrowser(nil))
	require.Equal(t, StatusClosed, l.Status())

	require.NoError(t, l.Open(context.Background(), "http://localhost:3000"))
	require.Equal(t, StatusOpen, l.Status())
	require.Equal(t, []string{StatusOpening, StatusOpen}, sink.get())

	l.Close()
	require.Equal(t, StatusClosed, l.Status())
	require.Equal(t, []string{StatusOpening, StatusOpen, StatusClosed}, sink.get())
}

func TestLauncher_AlreadyOpen(t *testing.T) {
	l := newTestLauncher(&recordingSink{}, fakeBrowser(nil))
	require.NoError(t, l.Open(context.Background(), "about:blank"))
	defer l.Close()

	require.ErrorIs(t, l.Open(context.Background(), "about:blank"), ErrAlreadyOpen)
}

func TestLauncher_StartFailure(t *testing.T) {
	sink := &recordingSink{}
	boom := errors.New("no chrome")
	l := newTestLauncher(sink, func(context.Context, string) (context.Context, context.CancelFunc, error) {
		return nil, nil, boom
	})

	require.ErrorIs(t, l.Open(context.Background(), "about:blank"), boom)
	require.Equal(t, StatusClosed, l.Status())
	require.Equal(t, []string{StatusOpening, StatusClosed}, sink.get())

	// A failed start does not block a later one.
	l.start = fakeBrowser(nil)
	require.NoError(t, l.Open(context.Background(), "about:blank"))
	l.Close()
}

func TestLauncher_BrowserExitsOnItsOwn(t *testing.T) {
	sink := &recordingSink{}
	exit := make(chan struct{})
	l := newTestLauncher(sink, fakeBrowser(exit))

	require.NoError(t, l.Open(context.Background(), "about:blank"))
	close(exit)

	require.Eventually(t, func() bool { return l.Status() == StatusClosed }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{StatusOpening, StatusOpen, StatusClosed}, sink.get())

	// Reopen after the user closed the window.
	l.start = fakeBrowser(nil)
	require.NoError(t, l.Open(context.Background(), "about:blank"))
	l.Close()
}

func TestLauncher_CloseWhenNotOpen(t *testing.T) {
	sink := &recordingSink{}
	l := newTestLauncher(sink, fakeBrowser(nil))
	l.Close()
	require.Empty(t, sink.get())
}
