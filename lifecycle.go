package offlinecache

import (
	"context"
	"net/http"
	"sync"

	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/pkg/snapshot"
)

// State is the lifecycle phase of a controller.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	// Installed and waiting to become active.
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	// Failed to install, or replaced by a newer controller.
	StateRedundant State = "redundant"
)

func (c *Controller) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.log.Debug().Str("from", string(c.state)).Str("to", string(s)).Msg("Lifecycle transition")
	c.state = s
}

// SkipWaiting asks for the controller to become active as soon as it is installed,
// without waiting for the previous controller to be released.
func (c *Controller) SkipWaiting() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.skipWaiting = true
}

func (c *Controller) skipWaitingRequested() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.skipWaiting
}

// Install populates the static partition with the manifest.
// Either every manifest URL is fetched and stored, or nothing is written
// and the controller becomes redundant.
func (c *Controller) Install(ctx context.Context) error {
	c.setState(StateInstalling)
	ev := newEvent(EventInstall, c.currentLifetime())

	entries := make([]cache.Entry, len(c.manifest))
	ev.WaitUntil(func() error {
		g, ctx := errgroup.WithContext(ctx)
		for i, path := range c.manifest {
			g.Go(func() error {
				entry, err := c.fetchManifestEntry(ctx, path)
				if err != nil {
					return err
				}
				entries[i] = entry
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		return c.storage.Open(c.partitions.Static).PutAll(entries)
	})
	if err := ev.Wait(); err != nil {
		c.log.Error().Err(err).Msg("Install failed")
		c.setState(StateRedundant)
		return errors.Wrap(err, errors.CodeExecutionFailed, "install failed")
	}

	c.log.Info().Int("entries", len(entries)).Str("partition", c.partitions.Static).Msg("Installed")
	c.setState(StateInstalled)
	if !c.holdWaiting {
		c.SkipWaiting()
	}
	return nil
}

func (c *Controller) fetchManifestEntry(ctx context.Context, path string) (cache.Entry, error) {
	key := c.keyer.KeyForPath(path)
	req, err := c.keyer.GetRequestFromKey(key)
	if err != nil {
		return cache.Entry{}, errors.Wrap(err, errors.CodeInvalidConfig, "invalid manifest entry")
	}
	req = req.WithContext(ctx)
	s, err := c.fetcher.Fetch(ctx, req, FetchOptions{})
	if err != nil {
		return cache.Entry{}, err
	}
	if !s.Cacheable() {
		return cache.Entry{}, errors.WithContext(
			errors.Newf(errors.CodeNetwork, "manifest entry responded with status %d", s.StatusCode),
			"url", path)
	}
	s.URL = req.URL.String()
	bytes, err := snapshot.ToBytes(s)
	if err != nil {
		return cache.Entry{}, errors.Wrap(err, errors.CodeInternal, "could not serialize response")
	}
	return cache.Entry{Key: key, Bytes: bytes}, nil
}

// Activate deletes every partition that does not belong to this version.
// Partitions of this version are left untouched and are not created.
func (c *Controller) Activate(ctx context.Context) error {
	c.setState(StateActivating)
	ev := newEvent(EventActivate, c.currentLifetime())
	ev.WaitUntil(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		deleted, err := cache.DeleteAll(c.storage, func(name string) bool {
			return !c.partitions.contains(name)
		})
		for _, name := range deleted {
			c.log.Info().Str("partition", name).Msg("Deleted stale partition")
		}
		return err
	})
	err := ev.Wait()
	// a failed cleanup does not keep the controller from activating
	if err != nil {
		c.log.Error().Err(err).Msg("Could not delete stale partitions")
		err = errors.Wrap(err, errors.CodeDatabase, "activate cleanup failed")
	}
	c.setState(StateActivated)
	return err
}

// HandleMessage processes a control message sent to this controller.
func (c *Controller) HandleMessage(msg Message) {
	switch msg.Type {
	case MessageSkipWaiting:
		c.log.Debug().Msg("Skip waiting requested")
		c.SkipWaiting()
	default:
		c.log.Debug().Str("type", msg.Type).Msg("Ignoring unknown message")
	}
}

func (c *Controller) setLifetime(l *lifetime) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lifetime = l
}

// Registration tracks the active and the waiting controller for a site.
// It serves requests with the active controller; without one, requests go
// straight to the network.
type Registration struct {
	fallback Fetcher
	lifetime *lifetime

	// activation serializes transitions so two controllers never activate at once
	activation chanMutex

	mutex   sync.Mutex
	active  *Controller
	waiting *Controller
}

// chanMutex is a mutex whose Lock can be abandoned when the context ends.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	return make(chanMutex, 1)
}

func (m chanMutex) Unlock() { <-m }

func (m chanMutex) LockContext(ctx context.Context) error {
	select {
	case m <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewRegistration creates an empty registration.
// The fetcher handles requests while no controller is active.
func NewRegistration(fallback Fetcher) *Registration {
	return &Registration{
		fallback:   fallback,
		lifetime:   newLifetime(),
		activation: newChanMutex(),
	}
}

// Register installs the controller and, when it may skip waiting or nothing is
// active yet, activates it and claims all clients.
// If install fails, the previously active controller stays in control.
func (reg *Registration) Register(ctx context.Context, c *Controller) error {
	c.setLifetime(reg.lifetime)
	if err := c.Install(ctx); err != nil {
		return err
	}

	reg.mutex.Lock()
	if reg.waiting != nil && reg.waiting != c {
		reg.waiting.setState(StateRedundant)
	}
	reg.waiting = c
	hasActive := reg.active != nil
	reg.mutex.Unlock()

	if !hasActive || c.skipWaitingRequested() {
		return reg.activate(ctx, c)
	}
	c.log.Info().Msg("Waiting for skip-waiting message")
	return nil
}

func (reg *Registration) activate(ctx context.Context, c *Controller) error {
	if err := reg.activation.LockContext(ctx); err != nil {
		return err
	}
	defer reg.activation.Unlock()

	reg.mutex.Lock()
	if reg.waiting != c {
		// another registration superseded this controller
		reg.mutex.Unlock()
		return nil
	}
	reg.waiting = nil
	previous := reg.active
	reg.mutex.Unlock()

	// writes of the outgoing controller would recreate the partitions deleted below
	if previous != nil && previous != c {
		previous.retire()
	}
	err := c.Activate(ctx)
	reg.claim(c)
	return err
}

// claim makes c the controller for every client, including pages loaded under an older one.
func (reg *Registration) claim(c *Controller) {
	reg.mutex.Lock()
	previous := reg.active
	reg.active = c
	reg.mutex.Unlock()
	if previous != nil && previous != c {
		previous.setState(StateRedundant)
	}
	c.log.Info().Msg("Claimed clients")
}

// PostMessage delivers a control message to the waiting controller, if any,
// and then to the active one. A skip-waiting message activates the waiting controller.
func (reg *Registration) PostMessage(ctx context.Context, msg Message) error {
	reg.mutex.Lock()
	waiting, active := reg.waiting, reg.active
	reg.mutex.Unlock()

	if waiting != nil {
		waiting.HandleMessage(msg)
		if waiting.skipWaitingRequested() && waiting.State() == StateInstalled {
			return reg.activate(ctx, waiting)
		}
		return nil
	}
	if active != nil {
		active.HandleMessage(msg)
	}
	return nil
}

func (reg *Registration) Active() *Controller {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()
	return reg.active
}

func (reg *Registration) Waiting() *Controller {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()
	return reg.waiting
}

// ServeHTTP dispatches the fetch event to the active controller.
func (reg *Registration) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if c := reg.Active(); c != nil {
		c.ServeHTTP(w, r)
		return
	}
	if reg.fallback == nil {
		http.Error(w, "No controller active", http.StatusServiceUnavailable)
		return
	}
	reg.fallback.Forward(w, r)
}

// Wait blocks until all background work of every registered controller has settled.
func (reg *Registration) Wait(ctx context.Context) error {
	return reg.lifetime.wait(ctx)
}

// ControllerStatus describes one controller of a registration.
type ControllerStatus struct {
	Version    string   `json:"version"`
	State      State    `json:"state"`
	Partitions []string `json:"partitions"`
}

type RegistrationStatus struct {
	Active  *ControllerStatus `json:"active,omitempty"`
	Waiting *ControllerStatus `json:"waiting,omitempty"`
}

func (reg *Registration) Status() RegistrationStatus {
	status := RegistrationStatus{}
	if c := reg.Active(); c != nil {
		status.Active = c.status()
	}
	if c := reg.Waiting(); c != nil {
		status.Waiting = c.status()
	}
	return status
}

func (c *Controller) status() *ControllerStatus {
	return &ControllerStatus{
		Version:    c.version,
		State:      c.State(),
		Partitions: c.partitions.Whitelist(),
	}
}
