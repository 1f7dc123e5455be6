package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Koohoko/codex-switcher/internal/auth/handlers"
	"github.com/Koohoko/codex-switcher/internal/auth/models"
	"github.com/Koohoko/codex-switcher/internal/logger"
	"go.uber.org/zap"
)

const (
	// listenerShutdownTimeout bounds how long the success page may take to flush
	listenerShutdownTimeout = 2 * time.Second
	readHeaderTimeout       = 10 * time.Second
)

// callbackListener is the loopback endpoint of one login attempt. It serves
// a single callback and is discarded afterwards.
type callbackListener struct {
	listener net.Listener
	server   *http.Server
	handler  *handlers.CallbackHandler

	mu        sync.Mutex
	serving   bool
	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// listenCallback binds host:port for a callback carrying expectedState.
// Port 0 picks a free port.
func listenCallback(host string, port int, expectedState string) (*callbackListener, error) {
	address := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", models.ErrPortBind, address, err)
	}

	handler := handlers.NewCallbackHandler(expectedState)
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	server.SetKeepAlivesEnabled(false)

	return &callbackListener{
		listener: ln,
		server:   server,
		handler:  handler,
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Port returns the bound port
func (l *callbackListener) Port() uint16 {
	return uint16(l.listener.Addr().(*net.TCPAddr).Port)
}

// Await serves callbacks until the first one is validated or rejected, the
// timeout elapses, ctx is cancelled or the listener is closed by a newer
// login. The listener is always shut down before Await returns.
func (l *callbackListener) Await(ctx context.Context, timeout time.Duration) models.CallbackResult {
	l.mu.Lock()
	l.serving = true
	l.mu.Unlock()
	defer close(l.done)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- l.server.Serve(l.listener)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var result models.CallbackResult
	select {
	case result = <-l.handler.Result():
	case <-timer.C:
		result = models.CallbackResult{Err: fmt.Errorf("%w: no callback within %s", models.ErrTimeout, timeout)}
	case <-ctx.Done():
		result = models.CallbackResult{Err: ctx.Err()}
	case <-l.closed:
		result = models.CallbackResult{Err: models.ErrLoginAbandoned}
	case err := <-serveErr:
		result = models.CallbackResult{Err: fmt.Errorf("callback listener stopped: %w", err)}
	}

	l.shutdown()
	return result
}

// Close stops the listener and returns once the port is released. Safe to
// call more than once.
func (l *callbackListener) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)

		l.mu.Lock()
		serving := l.serving
		l.mu.Unlock()

		// Await owns shutdown once it runs
		if !serving {
			_ = l.listener.Close()
			return
		}
		<-l.done
	})
}

func (l *callbackListener) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), listenerShutdownTimeout)
	defer cancel()

	if err := l.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Debug("Forcing callback listener closed", zap.Error(err))
		_ = l.server.Close()
	}
}
