package httpconn

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Params configures the connection. Zero values fall back to the
// defaults below.
type Params struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	KeepAlive      bool
	BufferSize     int
	SSL            bool
}

const (
	defaultConnectTimeout = 3 * time.Minute
	defaultReadTimeout    = 3 * time.Minute
	defaultBufferSize     = 8 * 1024
)

func (p Params) withDefaults() Params {
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = defaultConnectTimeout
	}
	if p.ReadTimeout <= 0 {
		p.ReadTimeout = defaultReadTimeout
	}
	if p.BufferSize <= 0 {
		p.BufferSize = defaultBufferSize
	}
	return p
}

// Connection is one signed HTTP request to the serving daemon and the
// response stream carrying the batch. Not safe for concurrent use
// except Cleanup, which may race a blocked reader to force it off the
// socket.
type Connection struct {
	url     string
	params  Params
	secret  []byte
	log     *zap.Logger
	ident   string
	urlHash string

	client *http.Client
	resp   *http.Response
	input  io.Reader
	cancel context.CancelFunc
}

// New builds a Connection for the given signed URL.
func New(rawURL string, params Params, secret []byte, ident string, log *zap.Logger) *Connection {
	if log == nil {
		log = zap.NewNop()
	}
	p := params.withDefaults()
	return &Connection{
		url:    rawURL,
		params: p,
		secret: secret,
		log:    log,
		ident:  ident,
		client: &http.Client{
			Transport: newTransport(p),
		},
	}
}

func newTransport(p Params) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   p.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   p.ConnectTimeout,
		ResponseHeaderTimeout: p.ReadTimeout,
		DisableKeepAlives:     !p.KeepAlive,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Connect signs the URL, issues the request, and waits for response
// headers. The response body is not trusted until Validate passes.
func (c *Connection) Connect(ctx context.Context) error {
	urlHash, err := SignURL(c.secret, c.url)
	if err != nil {
		return fmt.Errorf("sign shuffle url: %w", err)
	}
	c.urlHash = urlHash

	reqCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("build shuffle request: %w", err)
	}
	req.Header.Set(URLHashHeader, urlHash)
	if c.params.KeepAlive {
		req.Header.Set("Connection", "keep-alive")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect to shuffle handler: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("shuffle handler returned status %d", resp.StatusCode)
	}
	c.resp = resp
	c.log.Debug("connected to shuffle handler", zap.String("fetcher", c.ident), zap.String("url", c.url))
	return nil
}

// Validate re-verifies the server's reply hash. Must be called before
// any body bytes are consumed.
func (c *Connection) Validate() error {
	if c.resp == nil {
		return fmt.Errorf("validate called before connect")
	}
	reply := c.resp.Header.Get(ReplyHashHeader)
	if reply == "" {
		return fmt.Errorf("missing %s header", ReplyHashHeader)
	}
	if err := VerifyReply(c.secret, c.urlHash, reply); err != nil {
		return fmt.Errorf("validate shuffle response: %w", err)
	}
	return nil
}

// InputStream returns the buffered response body. Valid after Connect.
func (c *Connection) InputStream() io.Reader {
	if c.input == nil {
		c.input = bufio.NewReaderSize(c.resp.Body, c.params.BufferSize)
	}
	return c.input
}

// Cleanup tears the connection down. Closing the body forces any
// concurrently blocked read to fail with an i/o error, which is how a
// fetcher shutdown preempts a slow drain.
func (c *Connection) Cleanup() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.resp != nil {
		if err := c.resp.Body.Close(); err != nil {
			return fmt.Errorf("close shuffle response: %w", err)
		}
	}
	c.client.CloseIdleConnections()
	return nil
}
