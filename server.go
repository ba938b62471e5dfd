package offlinecache

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// ControlPrefix is the path prefix of the control endpoints.
const ControlPrefix = "/__offline-cache"

// NewRouter returns the HTTP surface of a registration: the control endpoints
// under ControlPrefix, and the registration itself for every other request.
func NewRouter(reg *Registration, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Handled request")
	}))

	r.Route(ControlPrefix, func(r chi.Router) {
		r.Post("/message", func(w http.ResponseWriter, r *http.Request) {
			msg, err := DecodeMessage(r.Body)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, err)
				return
			}
			if err := reg.PostMessage(r.Context(), msg); err != nil {
				hlog.FromRequest(r).Error().Err(err).Str("type", msg.Type).Msg("Could not handle message")
				writeError(w, r, http.StatusInternalServerError, err)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		})
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(reg.Status()); err != nil {
				hlog.FromRequest(r).Warn().Err(err).Msg("Could not write status")
			}
		})
	})
	r.Handle("/*", reg)
	return r
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(errors.ToJSON(err)); encErr != nil {
		hlog.FromRequest(r).Warn().Err(encErr).Msg("Could not write error response")
	}
}

// Wrap runs a controller in front of next, which acts as the network.
// The controller is installed and activated before Wrap returns; if install fails,
// the returned registration passes every request to next.
func Wrap(ctx context.Context, config Config, next http.Handler) (*Registration, error) {
	fetcher := NewHandlerFetcher(next)
	config.Fetcher = fetcher
	reg := NewRegistration(fetcher)
	c, err := CreateController(config)
	if err != nil {
		return reg, err
	}
	return reg, reg.Register(ctx, c)
}
