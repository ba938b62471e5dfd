package offlinecache

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/always-cache/offline-cache/content"
	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"
)

// number of routes navigated at the same time while warming
const warmConcurrency = 4

// Warm navigates every route through the active controller, the same way a
// visitor would, and waits until the responses are stored.
// It returns the number of routes that were answered with 200.
func Warm(ctx context.Context, reg *Registration, routes []content.Route) (int, error) {
	c := reg.Active()
	if c == nil {
		return 0, errors.New(errors.CodeUnavailable, "no active controller to warm")
	}

	var warmed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(warmConcurrency)
	for _, route := range routes {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, c.keyer.Origin+route.Path, nil)
			if err != nil {
				return errors.WithContext(
					errors.Wrap(err, errors.CodeInvalidInput, "invalid route"), "path", route.Path)
			}
			req.Header.Set("Sec-Fetch-Mode", "navigate")
			req.Header.Set("Sec-Fetch-Dest", "document")
			req.Header.Set("Accept", "text/html")

			rw := tee.NewResponseSaver(nil)
			c.ServeHTTP(rw, req)
			if rw.StatusCode() == http.StatusOK {
				warmed.Add(1)
			} else {
				c.log.Warn().Str("path", route.Path).Int("status", rw.StatusCode()).Msg("Could not warm route")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(warmed.Load()), err
	}
	if err := c.Wait(ctx); err != nil {
		return int(warmed.Load()), errors.Wrap(err, errors.CodeTimeout, "warmed responses were not stored in time")
	}
	c.log.Info().Int("routes", len(routes)).Int64("warmed", warmed.Load()).Msg("Warmed pages")
	return int(warmed.Load()), nil
}
