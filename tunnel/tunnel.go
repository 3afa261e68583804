// Package tunnel is a client for localtunnel servers, exposing a local port at
// a public URL.
//
// The server hands out a TCP port and a connection budget. Every connection
// the client opens to that port is a slot the server can route one public
// request stream through; the client pipes each one to a fresh local
// connection and reopens the slot once it closes.
package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/K3das/clementine/metrics"
	"github.com/K3das/clementine/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultHost        = "https://localtunnel.me"
	DefaultPasswordURL = "https://loca.lt/mytunnelpassword"

	minBackoff        = time.Second
	maxBackoff        = time.Second * 30
	localRetryBackoff = time.Second

	maxPasswordSize = 256
)

var errLocalUnavailable = errors.New("connecting to local server")

type Options struct {
	Host      string `env:"HOST" envDefault:"https://localtunnel.me"`
	Subdomain string `env:"SUBDOMAIN"`
	// LocalHost is where the tunneled connections are sent
	LocalHost   string `env:"LOCAL_HOST" envDefault:"localhost"`
	PasswordURL string `env:"PASSWORD_URL" envDefault:"https://loca.lt/mytunnelpassword"`
}

// Info is the tunnel server's answer to a tunnel request.
type Info struct {
	ID           string `json:"id"`
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	URL          string `json:"url"`
	CachedURL    string `json:"cached_url"`
	MaxConnCount int    `json:"max_conn_count"`
}

// ServerError is a non-200 answer from the tunnel server.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("tunnel server error [%d]: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the request may succeed.
func (e *ServerError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type ReadyFunc func(info Info, password string)

type Client struct {
	log *zap.Logger

	host        *url.URL
	subdomain   string
	passwordURL string
	localAddr   string

	http    *http.Client
	dialer  *net.Dialer
	metrics *metrics.Metrics
	onReady ReadyFunc
}

type ClientExtraOptions func(*Client)

func WithHTTPClient(client *http.Client) ClientExtraOptions {
	return func(c *Client) {
		c.http = client
	}
}

func WithMetrics(m *metrics.Metrics) ClientExtraOptions {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithReadyCallback is called once the tunnel has been assigned a public URL.
func WithReadyCallback(onReady ReadyFunc) ClientExtraOptions {
	return func(c *Client) {
		c.onReady = onReady
	}
}

func NewClient(options Options, localPort int, parentLogger *zap.Logger, extraOptions ...ClientExtraOptions) (*Client, error) {
	hostValue := options.Host
	if hostValue == "" {
		hostValue = DefaultHost
	}
	host, err := url.Parse(strings.TrimSuffix(hostValue, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing tunnel host: %w", err)
	}
	if host.Scheme != "http" && host.Scheme != "https" {
		return nil, fmt.Errorf("tunnel host must be an http(s) url, got %q", hostValue)
	}
	if localPort <= 0 || localPort > 65535 {
		return nil, fmt.Errorf("invalid local port %d", localPort)
	}

	localHost := options.LocalHost
	if localHost == "" {
		localHost = "localhost"
	}

	c := &Client{
		log:         parentLogger.Named("tunnel"),
		host:        host,
		subdomain:   options.Subdomain,
		passwordURL: options.PasswordURL,
		localAddr:   net.JoinHostPort(localHost, strconv.Itoa(localPort)),
		http:        http.DefaultClient,
		dialer:      &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second},
	}
	for _, option := range extraOptions {
		option(c)
	}

	return c, nil
}

// Open asks the tunnel server for a new tunnel, using the configured
// subdomain if there is one.
func (c *Client) Open(ctx context.Context) (*Info, error) {
	requestURL := *c.host
	if c.subdomain != "" {
		requestURL.Path = "/" + c.subdomain
	} else {
		requestURL.Path = "/"
		requestURL.RawQuery = "new"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
		if body.Message == "" {
			body.Message = "localtunnel server returned an error, please try again"
		}
		return nil, &ServerError{StatusCode: resp.StatusCode, Message: body.Message}
	}

	var info Info
	err = json.NewDecoder(resp.Body).Decode(&info)
	if err != nil {
		return nil, fmt.Errorf("decoding response json: %w", err)
	}
	if info.Port <= 0 || info.URL == "" {
		return nil, fmt.Errorf("tunnel server response is missing port or url")
	}
	if info.MaxConnCount < 1 {
		info.MaxConnCount = 1
	}

	return &info, nil
}

// Password fetches the password shown on the tunnel's landing page, which is
// this machine's public IP.
func (c *Client) Password(ctx context.Context) (string, error) {
	if c.passwordURL == "" {
		return "", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.passwordURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bad http status: %s", resp.Status)
	}

	body, err := utils.ReadAllLimit(resp.Body, maxPasswordSize)
	if err != nil {
		return "", fmt.Errorf("reading body: %w", err)
	}

	return strings.TrimSpace(string(body)), nil
}

// RemoteAddr is the address the tunnel connections are opened to.
func (c *Client) RemoteAddr(info *Info) string {
	host := info.IP
	if host == "" {
		host = c.host.Hostname()
	}
	return net.JoinHostPort(host, strconv.Itoa(info.Port))
}

// Run opens a tunnel, retrying temporary failures, and serves it until ctx is
// done.
func (c *Client) Run(ctx context.Context) (err error) {
	defer utils.PanicToError(c.log, &err)

	var info *Info
	backoff := minBackoff
	for {
		info, err = c.Open(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil
		}
		var serverErr *ServerError
		if errors.As(err, &serverErr) && !serverErr.Temporary() {
			return fmt.Errorf("opening tunnel: %w", err)
		}

		c.log.With(zap.Duration("backoff", backoff)).Warn("failed to open tunnel, retrying", zap.Error(err))
		if !sleepContext(ctx, backoff) {
			return nil
		}
		backoff = nextBackoff(backoff)
	}

	log := c.log.With(zap.String("tunnel_id", info.ID), zap.String("url", info.URL))

	password, err := c.Password(ctx)
	if err != nil {
		log.Warn("failed to get tunnel password", zap.Error(err))
	}

	log.With(zap.Int("max_conn_count", info.MaxConnCount)).Info("tunnel ready")
	if c.onReady != nil {
		c.onReady(*info, password)
	}

	return c.Serve(ctx, info)
}

// Serve keeps info.MaxConnCount connections open to the tunnel server until
// ctx is done.
func (c *Client) Serve(ctx context.Context, info *Info) error {
	remoteAddr := c.RemoteAddr(info)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < max(info.MaxConnCount, 1); i++ {
		connCtx, log := utils.LogContextWith(ctx, c.log, zap.Int("tunnel_conn", i))
		g.Go(func() (err error) {
			defer utils.PanicToError(log, &err)
			c.keepConnection(connCtx, remoteAddr)
			return nil
		})
	}

	return g.Wait()
}

func (c *Client) keepConnection(ctx context.Context, remoteAddr string) {
	log := utils.GetLogFromContext(ctx, c.log)

	backoff := minBackoff
	for ctx.Err() == nil {
		remote, err := c.dialer.DialContext(ctx, "tcp", remoteAddr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.With(zap.Duration("backoff", backoff)).Warn("failed to connect to tunnel server", zap.Error(err))
			if !sleepContext(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		if c.metrics != nil {
			c.metrics.TunnelConnections.Inc()
		}
		err = c.proxy(ctx, remote)
		if c.metrics != nil {
			c.metrics.TunnelConnections.Dec()
		}
		if ctx.Err() != nil {
			return
		}

		// back off while the local server is unreachable
		if errors.Is(err, errLocalUnavailable) {
			log.With(zap.Duration("backoff", backoff)).Warn("failed to connect to local server", zap.Error(err))
			if !sleepContext(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = minBackoff

		if err != nil {
			log.Debug("tunnel connection ended", zap.Error(err))
		}
	}
}

// proxy pipes remote to a new local connection until either side is done.
// It always closes remote.
func (c *Client) proxy(ctx context.Context, remote net.Conn) error {
	defer remote.Close()
	stopRemote := context.AfterFunc(ctx, func() { remote.Close() })
	defer stopRemote()

	local, err := c.dialLocal(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", errLocalUnavailable, err)
	}
	defer local.Close()

	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(local, remote)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(remote, local)
		errc <- err
	}()

	err = <-errc
	// closing both ends unblocks the other copy
	remote.Close()
	local.Close()
	<-errc

	return err
}

// dialLocal retries refused connections, the local server may still be
// starting or restarting.
func (c *Client) dialLocal(ctx context.Context) (net.Conn, error) {
	log := utils.GetLogFromContext(ctx, c.log)

	for {
		local, err := c.dialer.DialContext(ctx, "tcp", c.localAddr)
		if err == nil {
			return local, nil
		}
		if !isConnRefused(err) {
			return nil, err
		}

		log.With(zap.String("local_addr", c.localAddr)).Debug("local server refused connection, retrying")
		if !sleepContext(ctx, localRetryBackoff) {
			return nil, ctx.Err()
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	return min(d*2, maxBackoff)
}

// sleepContext returns false if ctx was done before d elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
