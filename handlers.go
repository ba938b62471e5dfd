package offlinecache

import (
	"context"
	"net/http"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"

	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	"github.com/always-cache/offline-cache/pkg/snapshot"
)

// fetchEvent is the state of one intercepted request.
type fetchEvent struct {
	*Event
	c   *Controller
	w   http.ResponseWriter
	r   *http.Request
	key string
	log zerolog.Logger
}

type fetchResult struct {
	s   *snapshot.Snapshot
	err error
}

// networkFirstNoStore serves documents: always the latest deploy when the network answers,
// otherwise the cached copy, otherwise the offline page.
func (f *fetchEvent) networkFirstNoStore() {
	s, err := f.c.fetcher.Fetch(f.r.Context(), f.r, FetchOptions{NoStore: true})
	if err == nil {
		cs := cachestatus.New(cacheStatusName)
		cs.Forward(cachestatus.FwdRequest)
		if s.Cacheable() {
			f.store(f.c.partitions.Pages, s.Clone())
			cs.Stored = true
		}
		f.respond(s, cs)
		return
	}
	f.log.Warn().Err(err).Msg("Network failed for navigation, falling back to cache")

	if cached, ok := f.c.match(f.key); ok {
		cs := cachestatus.New(cacheStatusName)
		cs.Hit()
		cs.Detail = cachestatus.DetailNetworkError
		f.respond(cached, cs)
		return
	}
	if offline, ok := f.c.match(f.c.keyer.KeyForPath(f.c.offlinePath)); ok {
		cs := cachestatus.New(cacheStatusName)
		cs.Hit()
		cs.Detail = cachestatus.DetailOfflineFallback
		f.respond(offline, cs)
		return
	}
	f.fail(http.StatusGatewayTimeout, errors.Wrap(err, errors.CodeNotFound, "no offline page stored"))
}

// staleWhileRevalidate serves assets from cache and refreshes them in the background.
// The page waits for the network only on a cache miss.
func (f *fetchEvent) staleWhileRevalidate() {
	cached, hit := f.c.match(f.key)

	// the revalidation outlives the client request
	req := f.r.Clone(context.WithoutCancel(f.r.Context()))
	results := make(chan fetchResult, 1)
	f.WaitUntil(func() error {
		s, err := f.c.fetcher.Fetch(req.Context(), req, FetchOptions{})
		results <- fetchResult{s, err}
		if err != nil {
			f.log.Debug().Err(err).Msg("Could not revalidate")
			return err
		}
		if s.Cacheable() {
			return f.c.put(f.c.partitions.Assets, f.key, s.Clone())
		}
		return nil
	})

	if hit {
		cs := cachestatus.New(cacheStatusName)
		cs.Hit()
		cs.Detail = cachestatus.DetailRevalidating
		f.respond(cached, cs)
		return
	}
	res := <-results
	if res.err != nil {
		f.fail(http.StatusBadGateway, res.err)
		return
	}
	cs := cachestatus.New(cacheStatusName)
	cs.Forward(cachestatus.FwdUriMiss)
	cs.Stored = res.s.Cacheable()
	f.respond(res.s, cs)
}

// networkFirst serves everything else: network, then any cached entry.
func (f *fetchEvent) networkFirst() {
	s, err := f.c.fetcher.Fetch(f.r.Context(), f.r, FetchOptions{})
	if err == nil {
		cs := cachestatus.New(cacheStatusName)
		cs.Forward(cachestatus.FwdRequest)
		if s.Cacheable() {
			f.store(f.c.partitions.Assets, s.Clone())
			cs.Stored = true
		}
		f.respond(s, cs)
		return
	}
	f.log.Debug().Err(err).Msg("Network failed, falling back to cache")

	if cached, ok := f.c.match(f.key); ok {
		cs := cachestatus.New(cacheStatusName)
		cs.Hit()
		cs.Detail = cachestatus.DetailNetworkError
		f.respond(cached, cs)
		return
	}
	f.fail(http.StatusBadGateway, err)
}

// store writes the snapshot in the background without delaying the response.
func (f *fetchEvent) store(partition string, s *snapshot.Snapshot) {
	f.WaitUntil(func() error {
		return f.c.put(partition, f.key, s)
	})
}

func (f *fetchEvent) respond(s *snapshot.Snapshot, cs cachestatus.CacheStatus) {
	if cs.Status == cachestatus.StatusHit {
		s.SetAge(time.Now())
	}
	f.w.Header().Set(cachestatus.HeaderName, cs.String())
	if _, err := s.WriteTo(f.w); err != nil {
		f.log.Error().Err(err).Msg("Could not write response body to client")
	}
	f.c.logRequest(f.r, s.StatusCode, cs)
}

func (f *fetchEvent) fail(status int, err error) {
	cs := cachestatus.New(cacheStatusName)
	cs.Forward(cachestatus.FwdUriMiss)
	cs.Detail = string(errors.GetCode(err))
	f.w.Header().Set(cachestatus.HeaderName, cs.String())
	http.Error(f.w, "Could not get response", status)
	f.c.logRequest(f.r, status, cs)
}
