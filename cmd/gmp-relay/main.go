package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/intents-gmp/internal/escrow"
	"github.com/juno-intents/intents-gmp/internal/fulfillment"
	"github.com/juno-intents/intents-gmp/internal/gmp"
	"github.com/juno-intents/intents-gmp/internal/gmpmsg"
	"github.com/juno-intents/intents-gmp/internal/intent"
	"github.com/juno-intents/intents-gmp/internal/ledger"
	ledgerleveldb "github.com/juno-intents/intents-gmp/internal/ledger/leveldb"
	ledgerpg "github.com/juno-intents/intents-gmp/internal/ledger/postgres"
	"github.com/juno-intents/intents-gmp/internal/nonces"
	"github.com/juno-intents/intents-gmp/internal/queue"
	"github.com/juno-intents/intents-gmp/internal/receipts"
	"github.com/juno-intents/intents-gmp/internal/registry"
	"github.com/juno-intents/intents-gmp/internal/relay"
	relaypg "github.com/juno-intents/intents-gmp/internal/relay/postgres"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	var (
		chainsPath = flag.String("chains", "", "TOML chain file describing every ledger (required)")
		identity   = flag.String("relay-identity", "", "relay address authorized on destination ledgers (required)")
		owner      = flag.String("owner", "", "replica identity used for source leases (default: random uuid)")

		pollInterval = flag.Duration("poll-interval", time.Second, "interval between outbox polls per source")
		batchSize    = flag.Int("batch-size", 64, "maximum messages relayed per route per poll")
		leaseTTL     = flag.Duration("lease-ttl", 15*time.Second, "ttl for per-source leases")
		deliveryRate = flag.Float64("deliveries-per-second", 0, "per-destination delivery cap; 0 disables")

		cursorDriver = flag.String("cursor-driver", "memory", "cursor/lease store driver: memory|postgres")
		postgresDSN  = flag.String("postgres-dsn", "", "Postgres DSN (required when --cursor-driver=postgres)")

		receiptsDriver = flag.String("receipts-driver", "", "receipt archive driver: memory|s3 (empty disables)")
		receiptsBucket = flag.String("receipts-bucket", "", "S3 bucket for receipts (required for s3)")
		receiptsPrefix = flag.String("receipts-prefix", "gmp-relay", "key prefix for receipts")

		queueDriver  = flag.String("queue-driver", "", "receipt event queue driver: kafka|stdio (empty disables)")
		queueBrokers = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		queueTopic   = flag.String("queue-topic", "gmp.receipts.v1", "topic for receipt events")

		metricsAddr = flag.String("metrics-addr", ":9102", "listen address for /metrics (empty disables)")
		logFile     = flag.String("log-file", "", "optional log file, rotated by size, in addition to stderr")
		logLevel    = flag.String("log-level", "info", "log level: debug|info|warn|error")
	)
	flag.Parse()

	if *chainsPath == "" || *identity == "" {
		fmt.Fprintln(os.Stderr, "error: --chains and --relay-identity are required")
		os.Exit(2)
	}
	if *batchSize <= 0 || *pollInterval <= 0 || *leaseTTL <= 0 {
		fmt.Fprintln(os.Stderr, "error: --batch-size, --poll-interval, and --lease-ttl must be > 0")
		os.Exit(2)
	}
	if *deliveryRate < 0 {
		fmt.Fprintln(os.Stderr, "error: --deliveries-per-second must be >= 0")
		os.Exit(2)
	}
	relayAddr, err := parseIdentity(*identity)
	if err != nil || relayAddr.IsZero() {
		fmt.Fprintln(os.Stderr, "error: --relay-identity must be a non-zero hex address (EIP-55 checksummed if mixed case)")
		os.Exit(2)
	}
	level, err := parseLogLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	chains, err := loadChainFile(*chainsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	var out io.Writer = os.Stderr
	if *logFile != "" {
		lj := &lumberjack.Logger{
			Filename:   *logFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
		defer lj.Close()
		out = io.MultiWriter(os.Stderr, lj)
	}
	log := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, runConfig{
		chains:         chains,
		identity:       relayAddr,
		owner:          strings.TrimSpace(*owner),
		pollInterval:   *pollInterval,
		batchSize:      *batchSize,
		leaseTTL:       *leaseTTL,
		deliveryRate:   *deliveryRate,
		cursorDriver:   strings.ToLower(strings.TrimSpace(*cursorDriver)),
		postgresDSN:    strings.TrimSpace(*postgresDSN),
		receiptsDriver: strings.ToLower(strings.TrimSpace(*receiptsDriver)),
		receiptsBucket: strings.TrimSpace(*receiptsBucket),
		receiptsPrefix: *receiptsPrefix,
		queueDriver:    strings.ToLower(strings.TrimSpace(*queueDriver)),
		queueBrokers:   queue.SplitCommaList(*queueBrokers),
		queueTopic:     *queueTopic,
		metricsAddr:    strings.TrimSpace(*metricsAddr),
	}); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("gmp-relay stopped", "err", err)
		os.Exit(1)
	}
}

type runConfig struct {
	chains   []chainSpec
	identity gmpmsg.Address
	owner    string

	pollInterval time.Duration
	batchSize    int
	leaseTTL     time.Duration
	deliveryRate float64

	cursorDriver string
	postgresDSN  string

	receiptsDriver string
	receiptsBucket string
	receiptsPrefix string

	queueDriver  string
	queueBrokers []string
	queueTopic   string

	metricsAddr string
}

func run(ctx context.Context, log *slog.Logger, cfg runConfig) error {
	pools := newPoolSet()
	defer pools.Close()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Warn("close", "err", err)
			}
		}
	}()

	endpoints := make([]*gmp.Endpoint, 0, len(cfg.chains))
	for _, spec := range cfg.chains {
		ep, closeFn, err := openChain(ctx, log, spec, cfg, pools)
		if closeFn != nil {
			closers = append(closers, closeFn)
		}
		if err != nil {
			return fmt.Errorf("open chain %d: %w", spec.ChainID, err)
		}
		endpoints = append(endpoints, ep)
	}

	store, err := openCursorStore(ctx, cfg, pools)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts := []relay.Option{relay.WithRegisterer(reg)}

	if cfg.receiptsDriver != "" {
		archive, err := openArchive(ctx, cfg)
		if err != nil {
			return err
		}
		opts = append(opts, relay.WithArchive(archive))
	}
	if cfg.queueDriver != "" {
		producer, err := queue.NewProducer(queue.ProducerConfig{Driver: cfg.queueDriver, Brokers: cfg.queueBrokers})
		if err != nil {
			return fmt.Errorf("init queue producer: %w", err)
		}
		closers = append(closers, producer.Close)
		opts = append(opts, relay.WithPublisher(producer))
	}

	r, err := relay.New(relay.Config{
		Identity:            cfg.identity,
		Owner:               cfg.owner,
		PollInterval:        cfg.pollInterval,
		BatchSize:           cfg.batchSize,
		LeaseTTL:            cfg.leaseTTL,
		DeliveriesPerSecond: cfg.deliveryRate,
		Topic:               cfg.queueTopic,
	}, store, log, opts...)
	if err != nil {
		return fmt.Errorf("init relay: %w", err)
	}
	for _, src := range endpoints {
		for _, dst := range endpoints {
			if src == dst {
				continue
			}
			if err := r.AddRoute(src, dst); err != nil {
				return err
			}
		}
	}

	if cfg.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	attrs := []any{"chains", len(endpoints), "owner", r.Owner(), "identity", cfg.identity}
	if evm, ok := cfg.identity.EVM(); ok {
		attrs = append(attrs, "evmIdentity", evm.Hex())
	}
	log.Info("gmp-relay started", attrs...)
	return r.Run(ctx)
}

// openChain opens a ledger backend, builds its endpoint, bootstraps its
// registry when an admin is configured and registers the managers for its
// role.
func openChain(ctx context.Context, log *slog.Logger, spec chainSpec, cfg runConfig, pools *poolSet) (*gmp.Endpoint, func() error, error) {
	var (
		backend ledger.Backend
		closeFn func() error
	)
	switch spec.Storage {
	case storageMemory:
		backend = ledger.NewMemoryBackend()
	case storageLevelDB:
		b, err := ledgerleveldb.Open(spec.Path)
		if err != nil {
			return nil, nil, err
		}
		backend, closeFn = b, b.Close
	case storagePostgres:
		pool, err := pools.Get(ctx, spec.DSN)
		if err != nil {
			return nil, nil, err
		}
		b, err := ledgerpg.New(pool, spec.ChainID)
		if err != nil {
			return nil, nil, err
		}
		if err := b.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		backend = b
	}

	chainLog := log.With("chain", spec.ChainID)
	l, err := ledger.New(ledger.Config{ChainID: spec.ChainID}, backend, chainLog)
	if err != nil {
		return nil, closeFn, err
	}
	reg := registry.New()
	ep, err := gmp.New(gmp.Config{Address: spec.Address}, l, nonces.New(), reg, chainLog)
	if err != nil {
		return nil, closeFn, err
	}

	if !spec.Admin.IsZero() {
		if err := bootstrapRegistry(ctx, l, reg, spec, cfg); err != nil {
			return nil, closeFn, fmt.Errorf("bootstrap chain %d: %w", spec.ChainID, err)
		}
	}

	bank := ledger.NewBank()
	if spec.Role == roleOrigin || spec.Role == roleBoth {
		if _, err := intent.New(intent.Config{}, ep, bank, nil, chainLog); err != nil {
			return nil, closeFn, err
		}
	}
	if spec.Role == roleCounterpart || spec.Role == roleBoth {
		if _, err := escrow.New(escrow.Config{}, ep, bank, chainLog); err != nil {
			return nil, closeFn, err
		}
		if _, err := fulfillment.New(fulfillment.Config{}, ep, bank, chainLog); err != nil {
			return nil, closeFn, err
		}
	}
	return ep, closeFn, nil
}

func bootstrapRegistry(ctx context.Context, l *ledger.Ledger, reg *registry.Registry, spec chainSpec, cfg runConfig) error {
	return l.Call(ctx, func(c *ledger.Call) error {
		if err := reg.InitAdmin(c, spec.Admin); err != nil && !errors.Is(err, registry.ErrAdminAlreadySet) {
			return err
		}
		for _, other := range cfg.chains {
			if other.ChainID == spec.ChainID {
				continue
			}
			if err := reg.SetTrustedRemote(c, spec.Admin, other.ChainID, other.Address); err != nil {
				return err
			}
		}
		return reg.AddRelay(c, spec.Admin, cfg.identity)
	})
}

func openCursorStore(ctx context.Context, cfg runConfig, pools *poolSet) (relay.Store, error) {
	switch cfg.cursorDriver {
	case "", "memory":
		return relay.NewMemoryStore(nil), nil
	case "postgres":
		if cfg.postgresDSN == "" {
			return nil, errors.New("--postgres-dsn is required when --cursor-driver=postgres")
		}
		pool, err := pools.Get(ctx, cfg.postgresDSN)
		if err != nil {
			return nil, err
		}
		s, err := relaypg.New(pool)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported --cursor-driver %q", cfg.cursorDriver)
	}
}

func openArchive(ctx context.Context, cfg runConfig) (receipts.Archive, error) {
	rcfg := receipts.Config{Driver: cfg.receiptsDriver, Prefix: cfg.receiptsPrefix, Bucket: cfg.receiptsBucket}
	if cfg.receiptsDriver == receipts.DriverS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		rcfg.S3Client = s3.NewFromConfig(awsCfg)
	}
	a, err := receipts.New(rcfg)
	if err != nil {
		return nil, fmt.Errorf("init receipts archive: %w", err)
	}
	return a, nil
}

// poolSet shares one pgx pool per DSN between ledgers and the cursor store.
type poolSet struct {
	pools map[string]*pgxpool.Pool
}

func newPoolSet() *poolSet { return &poolSet{pools: make(map[string]*pgxpool.Pool)} }

func (p *poolSet) Get(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if pool, ok := p.pools[dsn]; ok {
		return pool, nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("init pgx pool: %w", err)
	}
	p.pools[dsn] = pool
	return pool, nil
}

func (p *poolSet) Close() {
	for _, pool := range p.pools {
		pool.Close()
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid --log-level %q", s)
	}
	return lvl, nil
}
