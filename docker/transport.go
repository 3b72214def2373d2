package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/devicectl/imagekit/internal/httpdump"
	"github.com/devicectl/imagekit/pkg/tlsclientconfig"
	"github.com/devicectl/imagekit/types"
	"github.com/docker/go-connections/tlsconfig"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// registryTransport executes requests against a single registry.  It owns
// the HTTP client, the per-request deadline and the response size limit; it
// knows nothing about authentication.
type registryTransport struct {
	registry string // host[:port]
	scheme   string // "https" or "http"
	client   *http.Client
	timeout  time.Duration
	limit    int64
}

func newRegistryTransport(sys *types.SystemContext, registry string) (*registryTransport, error) {
	tlsClientConfig := tlsconfig.ClientDefault()
	if sys != nil && sys.DockerInsecureSkipTLSVerify == types.OptionalBoolTrue {
		tlsClientConfig.InsecureSkipVerify = true
	}
	certDir, err := dockerCertDir(sys, registry)
	if err != nil {
		return nil, err
	}
	if err := tlsclientconfig.SetupCertificates(certDir, tlsClientConfig); err != nil {
		return nil, err
	}

	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        100,
		TLSClientConfig:     tlsClientConfig,
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Transport: tr}
	rc.Logger = retryLogger{}
	rc.RetryMax = 0
	if sys != nil && sys.RegistryRetries > 0 {
		rc.RetryMax = sys.RegistryRetries
	}
	// Hand every final response back to us; status handling happens in the client.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &registryTransport{
		registry: registry,
		scheme:   registryScheme(sys, registry),
		client:   rc.StandardClient(),
		timeout:  sys.Timeout(),
		limit:    sys.ResponseLimit(),
	}, nil
}

// registryScheme returns "http" for loopback registries and those listed in
// sys.InsecureRegistries, "https" otherwise.
func registryScheme(sys *types.SystemContext, registry string) string {
	if sys != nil && slices.Contains(sys.InsecureRegistries, registry) {
		return "http"
	}
	host := registry
	if h, _, err := net.SplitHostPort(registry); err == nil {
		host = h
	}
	if host == "localhost" {
		return "http"
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return "http"
	}
	return "https"
}

// url returns the absolute URL of path ("/v2/...") on the registry.
func (t *registryTransport) url(path string) string {
	return fmt.Sprintf("%s://%s%s", t.scheme, t.registry, path)
}

// do executes req under the transport's deadline.  For buffered requests the
// deadline covers the whole exchange, including reading the body.  For
// streamed requests (stream == true) it covers waiting for the response
// headers and then every single body Read, so a large blob can take as long
// as it needs as long as data keeps arriving.  The caller must close the
// response body.
func (t *registryTransport) do(ctx context.Context, op string, req *http.Request, stream bool) (*http.Response, error) {
	var (
		reqCtx context.Context
		cancel context.CancelCauseFunc
		timer  *time.Timer
	)
	if stream {
		reqCtx, cancel = context.WithCancelCause(ctx)
		timer = time.AfterFunc(t.timeout, func() { cancel(ErrRequestTimeout) })
	} else {
		var cancelTimeout context.CancelFunc
		reqCtx, cancelTimeout = context.WithTimeoutCause(ctx, t.timeout, ErrRequestTimeout)
		cancel = func(error) { cancelTimeout() }
	}

	res, err := httpdump.DoRequest(t.client, req.WithContext(reqCtx))
	if timer != nil && !timer.Stop() && err == nil {
		// The timer fired while the headers were arriving; the body is already doomed.
		err = context.Cause(reqCtx)
		res.Body.Close()
	}
	if err != nil {
		if context.Cause(reqCtx) == ErrRequestTimeout {
			err = fmt.Errorf("%w after %v", ErrRequestTimeout, t.timeout)
		}
		cancel(nil)
		return nil, &TransportError{Op: op, URL: req.URL.Redacted(), Err: err}
	}
	res.Body = &cancelOnClose{ReadCloser: res.Body, ctx: reqCtx, cancel: cancel, idle: timer, timeout: t.timeout}
	return res, nil
}

// readBody reads the whole body of a buffered response, failing with
// ErrResponseTooLarge instead of reading more than t.limit bytes.
func (t *registryTransport) readBody(res *http.Response) ([]byte, error) {
	if res.ContentLength > t.limit {
		return nil, fmt.Errorf("%w: %d bytes announced, limit %d", ErrResponseTooLarge, res.ContentLength, t.limit)
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, t.limit+1))
	if err != nil {
		return nil, &TransportError{Op: "reading response", URL: requestURL(res), Err: err}
	}
	if int64(len(body)) > t.limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, t.limit)
	}
	return body, nil
}

func requestURL(res *http.Response) string {
	if res.Request == nil || res.Request.URL == nil {
		return ""
	}
	return res.Request.URL.Redacted()
}

// cancelOnClose releases the request context when the body is closed, and
// reports a body read interrupted by the deadline as ErrRequestTimeout.  For
// streamed bodies idle is re-armed around every Read, so a registry that
// stops sending data mid-blob cannot block the reader forever.
type cancelOnClose struct {
	io.ReadCloser
	ctx     context.Context
	cancel  context.CancelCauseFunc
	idle    *time.Timer // nil for buffered bodies
	timeout time.Duration
}

func (c *cancelOnClose) Read(p []byte) (int, error) {
	if c.idle != nil {
		c.idle.Reset(c.timeout)
	}
	n, err := c.ReadCloser.Read(p)
	if c.idle != nil {
		c.idle.Stop()
	}
	if err != nil && !errors.Is(err, io.EOF) && context.Cause(c.ctx) == ErrRequestTimeout {
		err = fmt.Errorf("%w: no data received for %v", ErrRequestTimeout, c.timeout)
	}
	return n, err
}

func (c *cancelOnClose) Close() error {
	if c.idle != nil {
		c.idle.Stop()
	}
	err := c.ReadCloser.Close()
	c.cancel(nil)
	return err
}

// retryLogger routes go-retryablehttp's leveled logging to logrus.
type retryLogger struct{}

func (retryLogger) entry(keysAndValues []interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return logrus.WithFields(fields)
}

func (l retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Error(msg)
}

func (l retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Info(msg)
}

// Debug messages are emitted for every single request; they only matter when tracing.
func (l retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Trace(msg)
}

func (l retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Warn(msg)
}
