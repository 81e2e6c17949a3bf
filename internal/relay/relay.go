package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juno-intents/intents-gmp/internal/gmp"
	"github.com/juno-intents/intents-gmp/internal/gmpmsg"
	"github.com/juno-intents/intents-gmp/internal/nonces"
	"github.com/juno-intents/intents-gmp/internal/receipts"
	"github.com/juno-intents/intents-gmp/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var (
	ErrInvalidConfig = errors.New("relay: invalid config")
	ErrRouteHalted   = errors.New("relay: route halted")
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 64
	defaultLeaseTTL     = 15 * time.Second
	defaultTopic        = "gmp.receipts.v1"
)

// Source exposes a ledger's outbox to a relay.
type Source interface {
	ChainID() uint64
	PollOutbound(ctx context.Context, dstChain, after uint64, limit int) ([]gmp.Outbound, error)
}

// Destination admits relayed messages on a ledger.
type Destination interface {
	ChainID() uint64
	DeliverMessage(ctx context.Context, relay gmpmsg.Address, srcChain uint64, srcAddr gmpmsg.Address, payload []byte, nonce uint64) error
}

// Publisher receives one event per settled delivery. queue.Producer
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
}

type Config struct {
	// Identity is the relay address authorized on every destination.
	Identity gmpmsg.Address
	// Owner identifies this replica in source leases. Defaults to a random uuid.
	Owner string

	PollInterval time.Duration
	BatchSize    int
	LeaseTTL     time.Duration

	// DeliveriesPerSecond caps deliveries per destination chain. 0 disables
	// the cap.
	DeliveriesPerSecond float64

	// Topic receives receipt events when a publisher is configured.
	Topic string

	Now func() time.Time
}

type Option func(*Relay)

// WithArchive stores a receipt for every settled delivery.
func WithArchive(a receipts.Archive) Option {
	return func(r *Relay) { r.archive = a }
}

func WithPublisher(p Publisher) Option {
	return func(r *Relay) { r.publisher = p }
}

// WithRegisterer registers relay metrics with reg instead of a private
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Relay) { r.reg = reg }
}

// Relay moves outbound messages from source ledgers to destination ledgers in
// nonce order. It holds no business logic: destinations enforce relay
// authorization, trusted remotes and replay protection.
type Relay struct {
	cfg   Config
	store Store
	log   *slog.Logger

	archive   receipts.Archive
	publisher Publisher
	reg       prometheus.Registerer
	metrics   *metrics

	mu       sync.Mutex
	sources  map[uint64]*sourceState
	limiters map[uint64]*rate.Limiter
}

type sourceState struct {
	src    Source
	lease  string
	held   bool
	routes []*route
}

type route struct {
	dst Destination

	mu     sync.Mutex
	halted error
}

func (rt *route) haltErr() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.halted
}

func New(cfg Config, store Store, log *slog.Logger, opts ...Option) (*Relay, error) {
	if cfg.Identity.IsZero() {
		return nil, fmt.Errorf("%w: Identity must be non-zero", ErrInvalidConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if cfg.BatchSize < 0 || cfg.DeliveriesPerSecond < 0 {
		return nil, fmt.Errorf("%w: BatchSize and DeliveriesPerSecond must be >= 0", ErrInvalidConfig)
	}
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.LeaseTTL <= cfg.PollInterval {
		return nil, fmt.Errorf("%w: LeaseTTL must exceed PollInterval", ErrInvalidConfig)
	}
	if cfg.Topic == "" {
		cfg.Topic = defaultTopic
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	r := &Relay{
		cfg:      cfg,
		store:    store,
		log:      log,
		sources:  make(map[uint64]*sourceState),
		limiters: make(map[uint64]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.reg == nil {
		r.reg = prometheus.NewRegistry()
	}
	r.metrics = newMetrics(r.reg)
	return r, nil
}

func (r *Relay) Owner() string { return r.cfg.Owner }

// AddRoute relays messages emitted on src for dst.ChainID() to dst.
func (r *Relay) AddRoute(src Source, dst Destination) error {
	if src == nil || dst == nil {
		return fmt.Errorf("%w: nil source or destination", ErrInvalidConfig)
	}
	srcID, dstID := src.ChainID(), dst.ChainID()
	if srcID == 0 || dstID == 0 || srcID == dstID {
		return fmt.Errorf("%w: route %d->%d", ErrInvalidConfig, srcID, dstID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sources[srcID]
	if !ok {
		s = &sourceState{src: src, lease: fmt.Sprintf("gmp-relay/source/%d", srcID)}
		r.sources[srcID] = s
	}
	for _, rt := range s.routes {
		if rt.dst.ChainID() == dstID {
			return fmt.Errorf("%w: duplicate route %d->%d", ErrInvalidConfig, srcID, dstID)
		}
	}
	s.routes = append(s.routes, &route{dst: dst})
	if _, ok := r.limiters[dstID]; !ok {
		lim := rate.NewLimiter(rate.Inf, 1)
		if r.cfg.DeliveriesPerSecond > 0 {
			lim = rate.NewLimiter(rate.Limit(r.cfg.DeliveriesPerSecond), 1)
		}
		r.limiters[dstID] = lim
	}
	return nil
}

// Halted returns the error that stopped route src->dst, or nil.
func (r *Relay) Halted(srcChain, dstChain uint64) error {
	for _, rt := range r.routes(srcChain) {
		if rt.dst.ChainID() == dstChain {
			return rt.haltErr()
		}
	}
	return nil
}

// Run drives every source until ctx is done. Each source runs in its own
// goroutine.
func (r *Relay) Run(ctx context.Context) error {
	r.mu.Lock()
	states := make([]*sourceState, 0, len(r.sources))
	for _, s := range r.sources {
		states = append(states, s)
	}
	r.mu.Unlock()
	if len(states) == 0 {
		return fmt.Errorf("%w: no routes", ErrInvalidConfig)
	}

	var wg sync.WaitGroup
	for _, s := range states {
		wg.Add(1)
		go func(s *sourceState) {
			defer wg.Done()
			r.runSource(ctx, s)
		}(s)
	}
	wg.Wait()
	return ctx.Err()
}

func (r *Relay) runSource(ctx context.Context, s *sourceState) {
	srcID := s.src.ChainID()
	r.log.Info("relay source started", "srcChain", srcID, "owner", r.cfg.Owner)

	t := time.NewTicker(r.cfg.PollInterval)
	defer t.Stop()
	for {
		if err := r.pass(ctx, s); err != nil && ctx.Err() == nil {
			r.log.Warn("relay pass failed", "srcChain", srcID, "err", err)
		}
		select {
		case <-ctx.Done():
			if s.held {
				// ctx is already cancelled.
				rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := r.store.Release(rctx, s.lease, r.cfg.Owner); err != nil {
					r.log.Warn("relay lease release failed", "srcChain", srcID, "err", err)
				}
				cancel()
				s.held = false
				r.metrics.leaseHeld.WithLabelValues(chainLabel(srcID)).Set(0)
			}
			r.log.Info("relay source stopped", "srcChain", srcID)
			return
		case <-t.C:
		}
	}
}

// RelayOnce runs a single pass over every source, in chain id order.
func (r *Relay) RelayOnce(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var errs []error
	for _, id := range ids {
		r.mu.Lock()
		s := r.sources[id]
		r.mu.Unlock()
		if err := r.pass(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// routes copies the routes of srcChain so callers can walk them while
// AddRoute appends.
func (r *Relay) routes(srcChain uint64) []*route {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sources[srcChain]
	if !ok {
		return nil
	}
	return append([]*route(nil), s.routes...)
}

func (r *Relay) pass(ctx context.Context, s *sourceState) error {
	ok, err := r.holdLease(ctx, s)
	if err != nil || !ok {
		return err
	}
	var errs []error
	for _, rt := range r.routes(s.src.ChainID()) {
		if rt.haltErr() != nil {
			continue
		}
		if err := r.relayRoute(ctx, s.src, rt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Relay) holdLease(ctx context.Context, s *sourceState) (bool, error) {
	label := chainLabel(s.src.ChainID())
	if s.held {
		_, ok, err := r.store.Renew(ctx, s.lease, r.cfg.Owner, r.cfg.LeaseTTL)
		switch {
		case err == nil && ok:
			return true, nil
		case err != nil && !errors.Is(err, ErrNotOwner) && !errors.Is(err, ErrNotFound):
			return false, fmt.Errorf("relay: renew lease %s: %w", s.lease, err)
		}
		s.held = false
		r.metrics.leaseHeld.WithLabelValues(label).Set(0)
		r.log.Warn("relay lease lost", "lease", s.lease, "owner", r.cfg.Owner)
	}

	l, ok, err := r.store.TryAcquire(ctx, s.lease, r.cfg.Owner, r.cfg.LeaseTTL)
	if err != nil {
		return false, fmt.Errorf("relay: acquire lease %s: %w", s.lease, err)
	}
	if !ok {
		r.log.Debug("relay lease held elsewhere", "lease", s.lease, "holder", l.Owner)
		return false, nil
	}
	s.held = true
	r.metrics.leaseHeld.WithLabelValues(label).Set(1)
	r.log.Info("relay lease acquired", "lease", s.lease, "owner", r.cfg.Owner)
	return true, nil
}

type verdict int

const (
	verdictRetry verdict = iota
	verdictAdvance
	verdictHalt
)

// classify maps a delivery error onto the relay's next step for the route.
func classify(err error) (verdict, receipts.Outcome) {
	switch {
	case err == nil:
		return verdictAdvance, receipts.OutcomeDelivered
	case errors.Is(err, nonces.ErrReplayRejected):
		return verdictAdvance, receipts.OutcomeReplay
	case gmp.NonceConsumed(err):
		return verdictAdvance, receipts.OutcomeFailed
	case errors.Is(err, gmp.ErrUnauthorizedRelay),
		errors.Is(err, registry.ErrUntrustedRemote),
		errors.Is(err, registry.ErrNoTrustedRemoteConfigured):
		return verdictHalt, receipts.OutcomeRejected
	default:
		return verdictRetry, ""
	}
}

func (r *Relay) relayRoute(ctx context.Context, src Source, rt *route) error {
	srcID, dstID := src.ChainID(), rt.dst.ChainID()
	srcLabel, dstLabel := chainLabel(srcID), chainLabel(dstID)

	after, err := r.store.Cursor(ctx, srcID, dstID)
	if err != nil {
		return fmt.Errorf("relay: cursor %d->%d: %w", srcID, dstID, err)
	}
	msgs, err := src.PollOutbound(ctx, dstID, after, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("relay: poll %d->%d after %d: %w", srcID, dstID, after, err)
	}

	r.mu.Lock()
	lim := r.limiters[dstID]
	r.mu.Unlock()

	for _, m := range msgs {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		derr := rt.dst.DeliverMessage(ctx, r.cfg.Identity, m.SrcChain, m.SrcAddr, m.Payload, m.Nonce)
		v, outcome := classify(derr)
		switch v {
		case verdictRetry:
			r.metrics.retries.WithLabelValues(srcLabel, dstLabel).Inc()
			return fmt.Errorf("relay: deliver %d->%d nonce %d: %w", srcID, dstID, m.Nonce, derr)
		case verdictHalt:
			rt.mu.Lock()
			rt.halted = fmt.Errorf("%w: nonce %d: %w", ErrRouteHalted, m.Nonce, derr)
			rt.mu.Unlock()
			r.metrics.halted.WithLabelValues(srcLabel, dstLabel).Set(1)
			r.metrics.deliveries.WithLabelValues(srcLabel, dstLabel, string(outcome)).Inc()
			r.log.Error("relay route halted", "srcChain", srcID, "dstChain", dstID, "nonce", m.Nonce, "err", derr)
			r.record(ctx, m, outcome, derr)
			return rt.haltErr()
		}

		if err := r.store.SetCursor(ctx, srcID, dstID, m.Nonce); err != nil {
			return fmt.Errorf("relay: advance cursor %d->%d to %d: %w", srcID, dstID, m.Nonce, err)
		}
		r.metrics.cursor.WithLabelValues(srcLabel, dstLabel).Set(float64(m.Nonce))
		r.metrics.deliveries.WithLabelValues(srcLabel, dstLabel, string(outcome)).Inc()
		switch outcome {
		case receipts.OutcomeFailed:
			r.log.Warn("relayed message failed at destination", "srcChain", srcID, "dstChain", dstID, "nonce", m.Nonce, "err", derr)
		case receipts.OutcomeReplay:
			r.log.Info("relayed message already delivered", "srcChain", srcID, "dstChain", dstID, "nonce", m.Nonce)
		default:
			r.log.Debug("relayed message", "srcChain", srcID, "dstChain", dstID, "nonce", m.Nonce)
		}
		r.record(ctx, m, outcome, derr)
	}
	return nil
}

// record archives and publishes a receipt. Failures are logged; the cursor
// has already moved on.
func (r *Relay) record(ctx context.Context, m gmp.Outbound, outcome receipts.Outcome, derr error) {
	if r.archive == nil && r.publisher == nil {
		return
	}
	rec := receipts.Receipt{
		SrcChain:   m.SrcChain,
		DstChain:   m.DstChain,
		Nonce:      m.Nonce,
		Outcome:    outcome,
		Relay:      r.cfg.Identity.String(),
		RecordedAt: r.cfg.Now().UTC(),
	}
	if msg, err := gmpmsg.DecodeAny(m.Payload); err == nil {
		id := msg.IntentID()
		rec.Kind = msg.Kind().String()
		rec.IntentID = gmpmsg.Address(id).String()
	}
	if derr != nil {
		rec.Error = derr.Error()
	}

	log := r.log.With("srcChain", m.SrcChain, "dstChain", m.DstChain, "nonce", m.Nonce)
	if r.archive != nil {
		if err := r.archive.Put(ctx, rec); err != nil {
			log.Warn("relay receipt archive failed", "err", err)
		}
	}
	if r.publisher != nil {
		b, err := receipts.Marshal(rec)
		if err != nil {
			log.Warn("relay receipt encode failed", "err", err)
			return
		}
		key := []byte(fmt.Sprintf("%d/%d", m.SrcChain, m.DstChain))
		if err := r.publisher.Publish(ctx, r.cfg.Topic, key, b); err != nil {
			log.Warn("relay receipt publish failed", "err", err)
		}
	}
}
