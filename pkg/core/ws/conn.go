package ws

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// State is the lifecycle position of a Conn.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

const (
	// DefaultTimeout applies to dialing and to every blocking read or write.
	DefaultTimeout = 30 * time.Second

	closeNormal   = 1000
	closeWaitTime = time.Second
)

// Conn is a client WebSocket connection. A Conn is used for exactly one
// connection attempt: once it reaches StateClosed it is never reopened.
//
// Conn is not safe for concurrent use.
type Conn struct {
	rawURL          string
	timeout         time.Duration
	headers         http.Header
	tlsConfig       *tls.Config
	dialer          *net.Dialer
	maxMessageBytes int64
	logger          *slog.Logger

	state State
	nc    net.Conn
	br    *bufio.Reader
}

// Option configures a Conn.
type Option func(*Conn)

// WithTimeout sets the dial and per-operation I/O timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d < 0 {
			return
		}
		c.timeout = d
	}
}

// WithHeader adds one header to the upgrade request.
func WithHeader(key, value string) Option {
	return func(c *Conn) {
		if key == "" {
			return
		}
		c.headers.Add(key, value)
	}
}

// WithHeaders adds headers to the upgrade request.
func WithHeaders(headers map[string]string) Option {
	return func(c *Conn) {
		for k, v := range headers {
			if k == "" {
				continue
			}
			c.headers.Set(k, v)
		}
	}
}

// WithTLSConfig sets the TLS configuration used for wss:// URLs. Certificate
// verification stays whatever the supplied config says.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Conn) {
		c.tlsConfig = cfg
	}
}

// WithDialer sets the TCP dialer.
func WithDialer(d *net.Dialer) Option {
	return func(c *Conn) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithMaxMessageBytes bounds a single frame and a reassembled message.
func WithMaxMessageBytes(n int64) Option {
	return func(c *Conn) {
		if n > 0 {
			c.maxMessageBytes = n
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns an idle Conn for rawURL (ws:// or wss://).
func New(rawURL string, opts ...Option) *Conn {
	c := &Conn{
		rawURL:          rawURL,
		timeout:         DefaultTimeout,
		headers:         make(http.Header),
		dialer:          &net.Dialer{},
		maxMessageBytes: DefaultMaxPayload,
		logger:          slog.Default(),
		state:           StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial creates a Conn and connects it.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Conn, error) {
	c := New(rawURL, opts...)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return c.state
}

// Connect dials the server, negotiates TLS for wss:// and performs the
// upgrade handshake. It is valid only on an idle Conn; on failure the Conn
// ends up closed.
func (c *Conn) Connect(ctx context.Context) error {
	switch c.state {
	case StateOpen:
		return nil
	case StateConnecting, StateClosed:
		return newError(KindNotConnected, "connect called on a "+c.state.String()+" connection; create a new one", nil)
	}
	c.state = StateConnecting

	err := c.connect(ctx)
	if err != nil {
		c.teardown()
		c.logger.Debug("ws: connect failed", "url", redactURL(c.rawURL), "error", err)
		return err
	}
	c.state = StateOpen
	c.logger.Debug("ws: connected", "url", redactURL(c.rawURL))
	return nil
}

func (c *Conn) connect(ctx context.Context) error {
	u, err := url.Parse(c.rawURL)
	if err != nil {
		return newError(KindConnect, "invalid url", err)
	}

	var secure bool
	switch u.Scheme {
	case "wss":
		secure = true
	case "ws":
	default:
		return newError(KindConnect, fmt.Sprintf("unsupported scheme %q", u.Scheme), nil)
	}

	host := u.Hostname()
	if host == "" {
		return newError(KindConnect, "no host in url", nil)
	}
	port := 80
	if secure {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return newError(KindConnect, fmt.Sprintf("invalid port %q", p), err)
		}
	}

	dialCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	address := net.JoinHostPort(host, strconv.Itoa(port))
	raw, err := c.dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return newError(KindConnect, "dial "+address, err)
	}
	c.nc = raw

	if secure {
		cfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if c.tlsConfig != nil {
			cfg = c.tlsConfig.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		tlsConn := tls.Client(raw, cfg)
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			return newError(KindTLS, "tls handshake with "+address, err)
		}
		c.nc = tlsConn
	}

	key, err := NewHandshakeKey()
	if err != nil {
		return newError(KindHandshake, "generate key", err)
	}
	req := BuildHandshakeRequest(host, port, secure, u.RequestURI(), key, c.headers)

	stop := c.watch(ctx)
	defer stop()
	_ = c.nc.SetDeadline(c.deadline(ctx))
	if err := c.writeAll(req); err != nil {
		return newError(KindHandshake, "write upgrade request", err)
	}
	resp, err := ReadHandshakeResponse(c.nc)
	if err != nil {
		return c.contextError(ctx, err)
	}
	if err := ValidateHandshakeResponse(resp, key); err != nil {
		return err
	}
	_ = c.nc.SetDeadline(time.Time{})
	c.br = bufio.NewReader(c.nc)
	return nil
}

// Send writes text as a single unfragmented text frame.
func (c *Conn) Send(ctx context.Context, text []byte) error {
	if err := c.requireOpen("send"); err != nil {
		return err
	}
	return c.writeFrame(ctx, OpText, text)
}

// Receive returns the payload of the next text or binary message. Pings are
// answered and pongs dropped without surfacing; a close frame from the peer
// closes the Conn and is reported as KindPeerClosed. Fragmented messages are
// reassembled.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	if err := c.requireOpen("receive"); err != nil {
		return nil, err
	}

	stop := c.watch(ctx)
	defer stop()
	_ = c.nc.SetReadDeadline(c.deadline(ctx))

	var (
		message   []byte
		inMessage bool
	)
	for {
		f, err := DecodeFrame(c.br, c.maxMessageBytes)
		if err != nil {
			return nil, c.fail(c.contextError(ctx, err))
		}

		switch f.Opcode {
		case OpPing:
			if err := c.writeFrame(ctx, OpPong, f.Payload); err != nil {
				return nil, err
			}
		case OpPong:
		case OpClose:
			code, reason := parseClosePayload(f.Payload)
			c.logger.Debug("ws: peer sent close frame", "code", code, "reason", reason)
			c.replyClose(f.Payload)
			c.teardown()
			return nil, &Error{Kind: KindPeerClosed, Message: "peer closed connection", CloseCode: code, CloseReason: reason}
		case OpText, OpBinary:
			if inMessage {
				return nil, c.fail(newError(KindFrameDecode, "data frame interleaved with a fragmented message", nil))
			}
			if f.Fin {
				return f.Payload, nil
			}
			inMessage = true
			message = append(message[:0], f.Payload...)
		case OpContinuation:
			if !inMessage {
				return nil, c.fail(newError(KindFrameDecode, "continuation frame without a message in progress", nil))
			}
			if int64(len(message)+len(f.Payload)) > c.maxMessageBytes {
				return nil, c.fail(newError(KindFrameDecode, fmt.Sprintf("message exceeds limit of %d bytes", c.maxMessageBytes), nil))
			}
			message = append(message, f.Payload...)
			if f.Fin {
				return message, nil
			}
		default:
			c.logger.Debug("ws: skipping frame", "opcode", f.Opcode)
		}
	}
}

// Close sends a best-effort close frame when open and releases the socket.
// It is safe to call more than once.
func (c *Conn) Close() error {
	if c.state == StateOpen && c.nc != nil {
		_ = c.nc.SetWriteDeadline(time.Now().Add(closeWaitTime))
		if frame, err := EncodeFrame(closePayload(closeNormal, ""), OpClose); err == nil {
			_ = c.writeAll(frame)
		}
	}
	c.teardown()
	return nil
}

func (c *Conn) requireOpen(op string) error {
	if c.state != StateOpen || c.nc == nil {
		return newError(KindNotConnected, op+" on a "+c.state.String()+" connection", nil)
	}
	return nil
}

func (c *Conn) writeFrame(ctx context.Context, op Opcode, payload []byte) error {
	frame, err := EncodeFrame(payload, op)
	if err != nil {
		return c.fail(newError(KindSend, "encode "+op.String()+" frame", err))
	}

	stop := c.watch(ctx)
	defer stop()
	_ = c.nc.SetWriteDeadline(c.deadline(ctx))
	if err := c.writeAll(frame); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return c.fail(newError(KindSend, "write "+op.String()+" frame", err))
	}
	return nil
}

var errShortWrite = errors.New("zero-byte write")

func (c *Conn) writeAll(data []byte) error {
	for len(data) > 0 {
		n, err := c.nc.Write(data)
		if err != nil {
			return err
		}
		if n == 0 {
			return errShortWrite
		}
		data = data[n:]
	}
	return nil
}

// replyClose echoes the peer's close frame without waiting on anything.
func (c *Conn) replyClose(payload []byte) {
	code, _ := parseClosePayload(payload)
	frame, err := EncodeFrame(closePayload(code, ""), OpClose)
	if err != nil {
		return
	}
	_ = c.nc.SetWriteDeadline(time.Now().Add(closeWaitTime))
	_ = c.writeAll(frame)
}

// deadline returns the I/O deadline for one operation: the configured timeout
// from now, or the context deadline if that comes first.
func (c *Conn) deadline(ctx context.Context) time.Time {
	var d time.Time
	if c.timeout > 0 {
		d = time.Now().Add(c.timeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (d.IsZero() || ctxDeadline.Before(d)) {
		d = ctxDeadline
	}
	return d
}

// watch interrupts blocked I/O when ctx is canceled by expiring the socket
// deadline. The returned func must be called when the operation finishes.
func (c *Conn) watch(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	nc := c.nc
	stop := context.AfterFunc(ctx, func() {
		_ = nc.SetDeadline(time.Unix(1, 0))
	})
	return func() { stop() }
}

// contextError attributes an I/O failure to ctx when ctx ended first.
func (c *Conn) contextError(ctx context.Context, err error) error {
	ctxErr := ctx.Err()
	if ctxErr == nil {
		return err
	}
	var wsErr *Error
	if errors.As(err, &wsErr) {
		return &Error{Kind: wsErr.Kind, Message: wsErr.Message + ": " + ctxErr.Error(), Err: ctxErr}
	}
	return newError(KindReadTimeout, "operation interrupted", ctxErr)
}

func (c *Conn) fail(err error) error {
	c.teardown()
	return err
}

func (c *Conn) teardown() {
	if c.nc != nil {
		_ = c.nc.Close()
		c.nc = nil
	}
	c.br = nil
	c.state = StateClosed
}

// redactURL drops the query string, which may carry credentials.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
