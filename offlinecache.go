package offlinecache

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	"github.com/always-cache/offline-cache/pkg/snapshot"
)

const (
	DefaultApp         = "joey-notes"
	DefaultVersion     = "v3"
	DefaultOfflinePath = "/offline/"
	DefaultScriptPath  = "/sw.js"

	cacheStatusName = "Offline-Cache"
)

// DefaultManifest lists the URLs needed to bootstrap the site offline.
var DefaultManifest = []string{"/", "/tags/", "/manifest.json", "/offline/"}

type Config struct {
	// Storage for cache partitions.
	Storage cache.Storage
	// Network access. Use NewOriginFetcher or NewHandlerFetcher.
	Fetcher Fetcher
	// Origin of the site as seen by browsers, e.g. https://blog.example.
	// Requests for other origins are never intercepted.
	Origin url.URL
	// Application name used in partition names.
	App string
	// Version tag of this controller build. Bump it to drop all cached content.
	Version string
	// URLs written to the static partition on install. All must succeed.
	Manifest []string
	// Page served to navigations when neither network nor cache can answer.
	// It should be part of the manifest.
	OfflinePath string
	// Path of the controller script, never intercepted.
	ScriptPath string
	// Stay in the waiting state after install until a skip-waiting message arrives.
	HoldWaiting bool
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Partitions holds the partition names of one version.
type Partitions struct {
	Static string
	Pages  string
	Assets string
}

func PartitionNames(app, version string) Partitions {
	return Partitions{
		Static: app + "-static-" + version,
		Pages:  app + "-pages-" + version,
		Assets: app + "-assets-" + version,
	}
}

// Whitelist returns the names of the live partitions.
func (p Partitions) Whitelist() []string {
	return []string{p.Static, p.Pages, p.Assets}
}

func (p Partitions) contains(name string) bool {
	for _, n := range p.Whitelist() {
		if n == name {
			return true
		}
	}
	return false
}

// Controller is one build of the offline cache controller.
type Controller struct {
	version     string
	partitions  Partitions
	storage     cache.Storage
	fetcher     Fetcher
	keyer       cachekey.CacheKeyer
	manifest    []string
	offlinePath string
	scriptPath  string
	holdWaiting bool
	log         zerolog.Logger

	mutex       sync.Mutex
	state       State
	skipWaiting bool
	lifetime    *lifetime

	// held for reading by every cache write; retired is guarded by it
	writeMutex sync.RWMutex
	retired    bool
}

// CreateController validates the config and returns a controller in the parsed state.
func CreateController(config Config) (*Controller, error) {
	if config.Storage == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "storage is required")
	}
	if config.Fetcher == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "fetcher is required")
	}
	if config.Origin.Scheme == "" || config.Origin.Host == "" {
		return nil, errors.Newf(errors.CodeInvalidConfig, "origin must be absolute, got %q", config.Origin.String())
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	app := valueOr(config.App, DefaultApp)
	version := valueOr(config.Version, DefaultVersion)
	manifest := config.Manifest
	if manifest == nil {
		manifest = DefaultManifest
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("version", version).
		Logger()

	return &Controller{
		version:     version,
		partitions:  PartitionNames(app, version),
		storage:     config.Storage,
		fetcher:     config.Fetcher,
		keyer:       cachekey.NewCacheKeyer(config.Origin),
		manifest:    append([]string(nil), manifest...),
		offlinePath: valueOr(config.OfflinePath, DefaultOfflinePath),
		scriptPath:  valueOr(config.ScriptPath, DefaultScriptPath),
		holdWaiting: config.HoldWaiting,
		log:         logger,
		state:       StateParsed,
		lifetime:    newLifetime(),
	}, nil
}

func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func (c *Controller) Version() string {
	return c.version
}

func (c *Controller) Partitions() Partitions {
	return c.partitions
}

// Describe builds the request descriptor for an incoming request.
func (c *Controller) Describe(r *http.Request) RequestDescriptor {
	u := c.keyer.URL(r)
	return RequestDescriptor{
		Method:      r.Method,
		URL:         u,
		Kind:        requestKind(r),
		CrossOrigin: !c.keyer.SameOrigin(r),
		Script:      u.Path == c.scriptPath,
	}
}

// ServeHTTP handles one fetch event.
// Every path through it writes exactly one response.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d := c.Describe(r)
	strategy := Classify(d)
	if strategy == StrategyPassThrough {
		cs := cachestatus.New(cacheStatusName)
		cs.Forward(passThroughReason(d))
		c.log.Trace().
			Str("method", r.Method).
			Str("url", d.URL.String()).
			Bool("crossOrigin", d.CrossOrigin).
			Bool("script", d.Script).
			Msg("Passing through")
		w.Header().Set(cachestatus.HeaderName, cs.String())
		c.fetcher.Forward(w, r)
		return
	}

	key, err := c.keyer.Key(r)
	if err != nil {
		// unreachable for GET, which is all that gets here
		c.fetcher.Forward(w, r)
		return
	}
	ev := newEvent(EventFetch, c.currentLifetime())
	f := fetchEvent{
		Event: ev,
		c:     c,
		w:     w,
		r:     r,
		key:   key,
		log: c.log.With().
			Str("strategy", strategy.String()).
			Str("url", d.URL.String()).
			Logger(),
	}
	switch strategy {
	case StrategyNetworkFirstNoStore:
		f.networkFirstNoStore()
	case StrategyStaleWhileRevalidate:
		f.staleWhileRevalidate()
	default:
		f.networkFirst()
	}
}

// retire stops all cache writes of the controller, waiting for the ones in progress.
// The controller keeps serving from its partitions until it is replaced.
func (c *Controller) retire() {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	c.retired = true
}

// passThroughReason tells a request the cache may not handle (method)
// from one it was configured not to handle (bypass).
func passThroughReason(d RequestDescriptor) cachestatus.FwdReason {
	if d.Method != http.MethodGet {
		return cachestatus.FwdMethod
	}
	return cachestatus.FwdBypass
}

// Wait blocks until all background work of this controller has settled.
func (c *Controller) Wait(ctx context.Context) error {
	return c.currentLifetime().wait(ctx)
}

func (c *Controller) currentLifetime() *lifetime {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.lifetime
}

// match looks the key up in the partitions of this version.
func (c *Controller) match(key string) (*snapshot.Snapshot, bool) {
	bytes, ok, err := c.storage.Match(key, c.partitions.Whitelist()...)
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not read from cache")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	s, err := snapshot.FromBytes(bytes)
	if err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("Could not read stored response")
		return nil, false
	}
	return s, true
}

// put writes the snapshot to the partition.
// Failures are logged and returned, never escalated to the client.
// A retired controller writes nothing.
func (c *Controller) put(partition, key string, s *snapshot.Snapshot) error {
	c.writeMutex.RLock()
	defer c.writeMutex.RUnlock()
	if c.retired {
		c.log.Trace().Str("partition", partition).Str("key", key).Msg("Dropped write of retired controller")
		return nil
	}
	bytes, err := snapshot.ToBytes(s)
	if err == nil {
		err = c.storage.Open(partition).Put(key, bytes)
	}
	if err != nil {
		c.log.Warn().Err(err).Str("partition", partition).Str("key", key).Msg("Could not write to cache")
		return err
	}
	c.log.Trace().Str("partition", partition).Str("key", key).Msg("Wrote to cache")
	return nil
}

func (c *Controller) logRequest(r *http.Request, status int, cs cachestatus.CacheStatus) {
	isHit := 0
	if cs.Status == cachestatus.StatusHit {
		isHit = 1
	}
	c.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("status", status).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Str("detail", cs.Detail).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
