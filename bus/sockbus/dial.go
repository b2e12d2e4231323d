package sockbus

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// Options configures Dial.
type Options struct {
	// URL of the hub, including the socket.io path.
	URL       string
	Namespace string
	// Module is the instance id this process runs.
	Module             string
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
	// RequestTimeout bounds every request awaiting a response. Defaults to
	// ConnectTimeout.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Dial connects to the hub and returns a handle for opts.Module.
func Dial(ctx context.Context, opts Options) (*Handle, error) {
	if opts.Module == "" {
		return nil, fmt.Errorf("sockbus: module id is required")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = opts.ConnectTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("bus", "socketio", "url", opts.URL)

	parsedURL, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	sopts := socket.DefaultOptions()
	sopts.SetPath(parsedURL.Path)
	if opts.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		sopts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	sopts.SetTransports(types.NewSet(transports.WebSocket))

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, sopts)
	io := manager.Socket(opts.Namespace, sopts)

	connectChan := newFirstResult()
	report := connectChan.report
	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("Connected to bus.", "sid", io.Id())
		report(nil)
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err := fmt.Errorf("connect error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		report(err)
	})

	// Handlers are attached before connecting so no pushed event is missed.
	h := newHandle(&socketTransport{io: io}, opts.Module, logger, opts.RequestTimeout)

	logger.Debug("Connecting to bus...")
	io.Connect()

	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		return h, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection: %w", ctx.Err())
	case <-time.After(opts.ConnectTimeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", opts.ConnectTimeout)
	}
}

// socketTransport adapts a socket.io client socket.
// firstResult holds the first connection outcome. Later outcomes, such as a
// reconnect after a connect_error, are dropped so no socket.io callback
// blocks.
type firstResult chan error

func newFirstResult() firstResult {
	return make(firstResult, 1)
}

func (c firstResult) report(err error) {
	select {
	case c <- err:
	default:
	}
}

type socketTransport struct {
	io *socket.Socket
}

func (t *socketTransport) On(event string, fn func(args ...any)) {
	_ = t.io.On(types.EventName(event), fn)
}

func (t *socketTransport) Emit(event string, data any) error {
	return t.io.Emit(event, data)
}

func (t *socketTransport) Close() {
	t.io.Disconnect()
}
