// Package relay implements the message relay engine: it registers client
// connections, persists inbound messages, publishes them to other instances
// through the broker and delivers them to locally connected recipients.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Tyrowin/gorelay/internal/broker"
	"github.com/Tyrowin/gorelay/internal/registry"
	"github.com/Tyrowin/gorelay/internal/store"
	"github.com/Tyrowin/gorelay/internal/telemetry"
)

// Options configures an Engine. Store and Broker are required.
type Options struct {
	Store   store.Store
	Members store.MembershipStore
	Broker  broker.Broker
	Logger  *zap.Logger

	Topic      string
	InstanceID string

	RegistrationTimeout time.Duration
	// EchoToSender delivers group messages back to the sending connection.
	EchoToSender bool
	// ValidateMembership filters registered groups through Members.
	ValidateMembership bool
	StoreRetries       int
	StoreTimeout       time.Duration
	PublishTimeout     time.Duration
	DedupWindow        int
}

const (
	DefaultTopic               = "relay.messages"
	DefaultRegistrationTimeout = 10 * time.Second
	DefaultStoreRetries        = 3
	DefaultStoreTimeout        = 5 * time.Second
	DefaultPublishTimeout      = 5 * time.Second
	DefaultDedupWindow         = 4096

	publishQueueSize = 1024
)

func (o *Options) setDefaults() {
	if o.Topic == "" {
		o.Topic = DefaultTopic
	}
	if o.RegistrationTimeout <= 0 {
		o.RegistrationTimeout = DefaultRegistrationTimeout
	}
	if o.StoreRetries <= 0 {
		o.StoreRetries = DefaultStoreRetries
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = DefaultStoreTimeout
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = DefaultPublishTimeout
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = DefaultDedupWindow
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Engine routes messages between registered connections. A single Engine
// serves every connection of the process.
type Engine struct {
	opts     Options
	logger   *zap.Logger
	registry *registry.Registry[*session]
	seen     *lru.Cache[string, struct{}]

	ctx    context.Context
	cancel context.CancelFunc

	outbox chan pendingPublish

	mu       sync.Mutex
	running  bool
	stopping bool
	sub      broker.Subscription
	inflight sync.WaitGroup
}

// New validates opts and returns an engine that is not yet subscribed.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("relay: store is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("relay: broker is required")
	}
	if opts.ValidateMembership && opts.Members == nil {
		return nil, errors.New("relay: membership validation needs a membership store")
	}
	if opts.InstanceID == "" {
		return nil, errors.New("relay: instance id is required")
	}
	opts.setDefaults()

	seen, err := lru.New[string, struct{}](opts.DedupWindow)
	if err != nil {
		return nil, fmt.Errorf("relay: dedup window: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:     opts,
		logger:   opts.Logger.With(zap.String("component", "relay"), zap.String("instance", opts.InstanceID)),
		registry: registry.New[*session](),
		seen:     seen,
		outbox:   make(chan pendingPublish, publishQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start subscribes to the broker topic. It must return before any
// connection is served so that no published message is missed.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running || e.stopping {
		return errors.New("relay: engine already started")
	}

	sub, err := e.opts.Broker.Subscribe(ctx, e.opts.Topic, e.handleEnvelope)
	if err != nil {
		return fmt.Errorf("relay: subscribe to %s: %w", e.opts.Topic, err)
	}
	e.sub = sub
	e.running = true
	go e.runPublisher()
	e.logger.Info("relay engine started", zap.String("topic", e.opts.Topic))
	return nil
}

// Stop rejects new work, waits up to timeout for in-flight messages and
// queued publishes, and unsubscribes from the broker.
func (e *Engine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return nil
	}
	e.stopping = true
	sub := e.sub
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-time.After(timeout):
		e.logger.Warn("timed out waiting for in-flight messages", zap.Duration("timeout", timeout))
		errs = append(errs, context.DeadlineExceeded)
	}

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("relay: unsubscribe: %w", err))
		}
	}
	e.cancel()
	e.logger.Info("relay engine stopped")
	return errors.Join(errs...)
}

// track registers one unit of in-flight work. It reports false once the
// engine is stopping.
func (e *Engine) track() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.stopping {
		return false
	}
	e.inflight.Add(1)
	return true
}

// Connections returns the number of registered users on this instance.
func (e *Engine) Connections() int { return e.registry.Len() }

// Serve runs the protocol for conn until the connection fails. When reg is
// nil the first frames must carry a registration. Serve unregisters conn
// before returning; it does not close conn unless registration fails.
func (e *Engine) Serve(conn Conn, reg *Registration) error {
	if !e.track() {
		conn.Send(ErrorFrame("server is shutting down"))
		conn.Close()
		return ErrNotRunning
	}
	working := true
	release := func() {
		if working {
			working = false
			e.inflight.Done()
		}
	}
	defer release()

	log := e.logger.With(zap.String("conn", conn.ID()), zap.String("addr", conn.RemoteAddr()))

	if reg == nil {
		release()
		r, err := e.awaitRegistration(conn)
		if err != nil {
			log.Info("registration failed", zap.Error(err))
			conn.Close()
			return err
		}
		if !e.track() {
			conn.Close()
			return ErrNotRunning
		}
		working = true
		reg = r
	}

	r, err := e.normalize(*reg)
	if err != nil {
		conn.Send(ErrorFrame(err.Error()))
		conn.Close()
		return err
	}
	log = log.With(zap.String("user", r.UserID))

	sess := newSession(conn, r)
	sess.beginSweep()
	if prev, replaced := e.registry.Register(sess, r.UserID, r.GroupIDs); replaced {
		log.Info("replaced previous connection", zap.String("previous", prev.ID()))
	}
	telemetry.SetActiveGroups(e.registry.GroupCount())
	defer func() {
		if e.registry.Unregister(sess) {
			telemetry.SetActiveGroups(e.registry.GroupCount())
			log.Info("connection unregistered")
		}
	}()

	n, err := e.replay(sess)
	if err != nil {
		sess.endSweep(e.ctx, nil)
		log.Error("backlog sweep failed", zap.Error(err))
		conn.Send(ErrorFrame("could not load pending messages"))
		conn.Close()
		return fmt.Errorf("relay: sweep %s: %w", r.UserID, err)
	}
	sess.endSweep(e.ctx, InfoFrame(NoticeReady))
	log.Info("connection ready", zap.Strings("groups", r.GroupIDs), zap.Int("replayed", n))
	release()

	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			return nil
		}
		e.handleFrame(sess, raw, log)
	}
}

func (e *Engine) awaitRegistration(conn Conn) (*Registration, error) {
	deadline := time.Now().Add(e.opts.RegistrationTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("relay: set registration deadline: %w", err)
	}

	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			if isTimeout(err) || !time.Now().Before(deadline) {
				conn.Send(ErrorFrame("registration timeout"))
				return nil, ErrRegistrationTimeout
			}
			return nil, fmt.Errorf("relay: read registration: %w", err)
		}

		f, err := decodeFrame(raw)
		if err != nil {
			telemetry.Inc(telemetry.ProtocolErrors)
			conn.Send(ErrorFrame(err.Error()))
			continue
		}
		if f.Type != TypeRegister {
			telemetry.Inc(telemetry.ProtocolErrors)
			conn.Send(ErrorFrame(errRegisterFirst.Error()))
			continue
		}

		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			return nil, fmt.Errorf("relay: clear registration deadline: %w", err)
		}
		groups := f.GroupIDs
		if f.GroupID != "" {
			groups = append([]string{f.GroupID}, groups...)
		}
		return &Registration{UserID: f.UserID, UserName: f.UserName, GroupIDs: groups}, nil
	}
}

// normalize trims the registration and applies membership validation.
func (e *Engine) normalize(reg Registration) (Registration, error) {
	reg.UserID = strings.TrimSpace(reg.UserID)
	reg.UserName = strings.TrimSpace(reg.UserName)
	if reg.UserID == "" {
		return reg, errors.New("userId is required")
	}
	reg.GroupIDs = lo.Uniq(lo.Compact(lo.Map(reg.GroupIDs, func(id string, _ int) string {
		return strings.TrimSpace(id)
	})))

	if !e.opts.ValidateMembership || len(reg.GroupIDs) == 0 {
		return reg, nil
	}
	var allowed []string
	err := e.withRetry("groups of", func(ctx context.Context) error {
		var err error
		allowed, err = e.opts.Members.GroupsOf(ctx, reg.UserID, reg.GroupIDs)
		return err
	})
	if err != nil {
		e.logger.Error("membership lookup failed", zap.String("user", reg.UserID), zap.Error(err))
		return reg, errors.New("could not verify group membership")
	}
	if dropped, _ := lo.Difference(reg.GroupIDs, allowed); len(dropped) > 0 {
		e.logger.Info("ignoring groups without membership", zap.String("user", reg.UserID), zap.Strings("groups", dropped))
	}
	reg.GroupIDs = allowed
	return reg, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
