package offlinecache

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"

	"github.com/always-cache/offline-cache/pkg/snapshot"
	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"
)

// FetchOptions modify how a request is sent to the network.
type FetchOptions struct {
	// NoStore bypasses every HTTP cache between the controller and the origin.
	NoStore bool
}

// Fetcher is the network as seen by the controller.
type Fetcher interface {
	// Fetch sends a GET for the request to the network and returns the complete response.
	// An error means the network could not produce a response at all;
	// non-2xx responses are returned as snapshots.
	Fetch(ctx context.Context, r *http.Request, opts FetchOptions) (*snapshot.Snapshot, error)
	// Forward passes the request to the network untouched and streams the response back.
	Forward(w http.ResponseWriter, r *http.Request)
}

// request headers that would make the network answer with something other than a full representation
var partialRequestHeaders = []string{
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// prepareRequest strips the headers the network must not see when fetching for the cache.
func prepareRequest(req *http.Request, opts FetchOptions) {
	for _, name := range partialRequestHeaders {
		req.Header.Del(name)
	}
	// let the transport negotiate (and undo) compression so bodies are stored decoded
	req.Header.Del("Accept-Encoding")
	if opts.NoStore {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}
}

func responseType(statusCode int) snapshot.Type {
	if isRedirect(statusCode) {
		return snapshot.TypeOpaqueRedirect
	}
	return snapshot.TypeBasic
}

func isRedirect(statusCode int) bool {
	if statusCode == 301 ||
		statusCode == 302 ||
		statusCode == 303 ||
		statusCode == 307 ||
		statusCode == 308 {
		return true
	}
	return false
}

func networkError(err error, url string) error {
	code := errors.CodeNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		code = errors.CodeTimeout
	}
	return errors.WithContext(errors.Wrap(err, code, "network request failed"), "url", url)
}

type OriginConfig struct {
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Timeout for a complete network fetch. Defaults to 10 seconds.
	Timeout time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// OriginFetcher fetches from an origin server over HTTP.
type OriginFetcher struct {
	origin       url.URL
	hostHeader   string
	client       *http.Client
	reverseproxy httputil.ReverseProxy
	log          zerolog.Logger
}

func NewOriginFetcher(config OriginConfig) *OriginFetcher {
	logger := zerolog.New(zerolog.NewConsoleWriter())
	if config.Logger != nil {
		logger = *config.Logger
	}
	logger = logger.With().Str("origin", config.OriginURL.String()).Logger()

	timeout := config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	host := config.OriginURL.Host
	hostHeader := host
	transport := http.DefaultTransport
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: config.OriginHost,
			},
		}
	}

	f := &OriginFetcher{
		origin:     config.OriginURL,
		hostHeader: hostHeader,
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			// do not follow redirects, the client does that
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: logger,
	}
	f.reverseproxy = httputil.ReverseProxy{
		Director:  createDirector(config.OriginURL.Scheme, host, hostHeader),
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			f.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Could not forward request")
			http.Error(w, "Could not get response", http.StatusBadGateway)
		},
	}
	return f
}

func (f *OriginFetcher) Fetch(ctx context.Context, r *http.Request, opts FetchOptions) (*snapshot.Snapshot, error) {
	target := f.origin.Scheme + "://" + f.origin.Host + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "could not create origin request")
	}
	copyHeader(req.Header, r.Header)
	req.Host = f.hostHeader
	prepareRequest(req, opts)

	f.log.Trace().Str("url", target).Bool("noStore", opts.NoStore).Msg("Fetching from origin")
	res, err := f.client.Do(req)
	if err != nil {
		return nil, networkError(err, target)
	}
	s, err := snapshot.FromResponse(target, res, responseType(res.StatusCode))
	if err != nil {
		return nil, networkError(err, target)
	}
	return s, nil
}

func (f *OriginFetcher) Forward(w http.ResponseWriter, r *http.Request) {
	f.reverseproxy.ServeHTTP(w, r)
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

// HandlerFetcher treats an in-process handler as the network.
// A handler that panics counts as a network failure.
type HandlerFetcher struct {
	next http.Handler
}

func NewHandlerFetcher(next http.Handler) *HandlerFetcher {
	return &HandlerFetcher{next}
}

func (f *HandlerFetcher) Fetch(ctx context.Context, r *http.Request, opts FetchOptions) (s *snapshot.Snapshot, err error) {
	req := r.Clone(ctx)
	req.Method = http.MethodGet
	req.Body = http.NoBody
	prepareRequest(req, opts)

	defer func() {
		if p := recover(); p != nil {
			s = nil
			err = networkError(fmt.Errorf("handler panic: %v", p), r.URL.String())
		}
	}()
	rw := tee.NewResponseSaver(nil)
	f.next.ServeHTTP(rw, req)
	if err := ctx.Err(); err != nil {
		return nil, networkError(err, r.URL.String())
	}
	return snapshot.FromResponse(r.URL.String(), rw.Response(req), responseType(rw.StatusCode()))
}

func (f *HandlerFetcher) Forward(w http.ResponseWriter, r *http.Request) {
	f.next.ServeHTTP(w, r)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a workaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
