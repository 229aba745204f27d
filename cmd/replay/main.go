package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-replay/internal/api"
	"github.com/technosupport/ts-replay/internal/bus"
	"github.com/technosupport/ts-replay/internal/camera"
	"github.com/technosupport/ts-replay/internal/config"
	"github.com/technosupport/ts-replay/internal/data"
	"github.com/technosupport/ts-replay/internal/middleware"
	"github.com/technosupport/ts-replay/internal/notify"
	"github.com/technosupport/ts-replay/internal/platform/paths"
	"github.com/technosupport/ts-replay/internal/ratelimit"
	"github.com/technosupport/ts-replay/internal/replay"
	"github.com/technosupport/ts-replay/internal/route"
	"github.com/technosupport/ts-replay/internal/segment"
	"github.com/technosupport/ts-replay/internal/tokens"
	"github.com/technosupport/ts-replay/internal/tracing"
)

const serviceName = "ts-replay"

type cliFlags struct {
	configPath   string
	route        string
	dataDir      string
	start        float64
	allow        string
	block        string
	live         bool
	exitOnFinish bool
	flags        replay.Flags
}

func parseFlags() (cliFlags, map[string]bool) {
	var c cliFlags
	flag.StringVar(&c.configPath, "config", "", "config file (defaults to $REPLAY_CONFIG or the data root config)")
	flag.StringVar(&c.route, "route", "", "route to replay, dongle|YYYY-MM-DD--HH-MM-SS[--begin[--end]]")
	flag.StringVar(&c.dataDir, "data-dir", "", "local route directory")
	flag.Float64Var(&c.start, "start", 0, "start position in seconds")
	flag.StringVar(&c.allow, "allow", "", "comma separated channels to publish")
	flag.StringVar(&c.block, "block", "", "comma separated channels to never publish")
	flag.BoolVar(&c.live, "live", false, "wait for new segments at the end of the route")
	flag.BoolVar(&c.exitOnFinish, "exit-on-finish", false, "exit when playback reaches the end")
	flag.BoolVar(&c.flags.DualCamera, "dcam", false, "also publish driver camera frames")
	flag.BoolVar(&c.flags.ExtraCamera, "ecam", false, "also publish wide road camera frames")
	flag.BoolVar(&c.flags.NoLoop, "no-loop", false, "stop at the end of the route")
	flag.BoolVar(&c.flags.NoFileCache, "no-cache", false, "do not cache remote segment logs on disk")
	flag.BoolVar(&c.flags.QCamera, "qcam", false, "road frames from the low resolution stream")
	flag.BoolVar(&c.flags.NoHWDecoder, "no-hw-decoder", false, "software frame decoding")
	flag.BoolVar(&c.flags.NoVideoPipeline, "no-vipc", false, "do not publish camera frames")
	flag.BoolVar(&c.flags.AllChannels, "all", false, "ignore the allow list")
	flag.Parse()

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return c, set
}

// applyFlags lets explicit command line flags win over the loaded configuration.
func applyFlags(cfg *config.Config, c cliFlags, set map[string]bool) {
	rc := &cfg.Replay
	if set["route"] {
		rc.Route = c.route
	}
	if set["data-dir"] {
		rc.DataDir = c.dataDir
	}
	if set["start"] {
		rc.StartSeconds = c.start
	}
	if set["allow"] {
		rc.Allow = strings.Split(c.allow, ",")
	}
	if set["block"] {
		rc.Block = strings.Split(c.block, ",")
	}
	if set["live"] {
		rc.Live = c.live
	}
	f := &rc.Flags
	f.DualCamera = f.DualCamera || c.flags.DualCamera
	f.ExtraCamera = f.ExtraCamera || c.flags.ExtraCamera
	f.NoLoop = f.NoLoop || c.flags.NoLoop
	f.NoFileCache = f.NoFileCache || c.flags.NoFileCache
	f.QCamera = f.QCamera || c.flags.QCamera
	f.NoHWDecoder = f.NoHWDecoder || c.flags.NoHWDecoder
	f.NoVideoPipeline = f.NoVideoPipeline || c.flags.NoVideoPipeline
	f.AllChannels = f.AllChannels || c.flags.AllChannels
}

func main() {
	cli, set := parseFlags()

	// 1. Config
	cfg, err := config.Load(cli.configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	applyFlags(cfg, cli, set)
	if cfg.Replay.Route == "" {
		log.Fatal("No route given (-route, replay.route or REPLAY_ROUTE)")
	}
	if err := paths.EnsureDirs(); err != nil {
		log.Printf("[WARN] Platform: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Tracing
	shutdownTracing, err := tracing.Init(ctx, tracing.Config{ServiceName: cfg.Tracing.ServiceName, Stdout: cfg.Tracing.Enabled})
	if err != nil {
		log.Fatalf("Tracing init error: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(sctx)
	}()

	// 3. Segment loading
	var fileCache *segment.FileCache
	if !cfg.Replay.Flags.NoFileCache {
		fileCache, err = segment.OpenFileCache(cfg.FileCache.Dir, cfg.FileCache.TTL())
		if err != nil {
			log.Printf("[WARN] File cache unavailable at %s: %v", cfg.FileCache.Dir, err)
		} else {
			defer fileCache.Close()
		}
	}
	loader := segment.NewLoader(segment.NewFetcher(fileCache), fileCache != nil)

	// 4. Route catalog
	var (
		source    route.Source
		dirSource route.DirSource
		routes    api.RouteLister
	)
	switch cfg.Catalog.Source {
	case "sql":
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			log.Fatalf("DB open error: %v", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("DB ping error: %v", err)
		}
		model := data.RouteSegmentModel{DB: db}
		source = route.SQLSource{Segments: model}
		routes = model
	default:
		dirSource = route.DirSource{Root: cfg.Replay.DataDir}
		source = dirSource
	}
	cached := route.NewCachedSource(source, cfg.Catalog.CacheSize, cfg.Catalog.CacheTTL())

	// 5. Bus
	var publisher bus.Publisher
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(serviceName))
		if err != nil {
			log.Fatalf("NATS connect error: %v", err)
		}
		defer nc.Drain()
		publisher = bus.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix, cfg.NATS.PublishRetryMax)
		log.Printf("[INFO] Bus: publishing to NATS %s under %q", cfg.NATS.URL, cfg.NATS.SubjectPrefix)
	} else {
		publisher = bus.NewMemoryBus()
		log.Printf("[WARN] Bus: no NATS url configured, events stay in process")
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
	}

	// 6. Replay
	opts := replay.Options{
		Route:              cfg.Replay.Route,
		Session:            uuid.New().String(),
		Allow:              cfg.Replay.Allow,
		Block:              cfg.Replay.Block,
		Flags:              replay.Flags(cfg.Replay.Flags),
		DataDir:            cfg.Replay.DataDir,
		SegmentCacheLimit:  cfg.Replay.SegmentCacheLimit,
		LoadWorkers:        cfg.Replay.LoadWorkers,
		StallTimeout:       cfg.Replay.StallTimeout(),
		SkipFailedSegments: cfg.Replay.SkipFailedSegments,
		Live:               cfg.Replay.Live,
	}
	deps := replay.Deps{Source: cached, Loader: loader, Publisher: publisher}
	if rdb != nil && cfg.Redis.RecordState {
		state := bus.NewRedisState(rdb, opts.Session, cfg.Redis.StateTTL())
		deps.State = state
		log.Printf("[INFO] Replay: recording state to redis key %s", state.Key())
	}

	if !opts.Flags.NoVideoPipeline {
		frames := camera.NewServer(publisher, camera.Config{
			Cameras:     opts.Flags.Cameras(),
			QueueSize:   cfg.Camera.QueueSize,
			NoHWDecoder: opts.Flags.NoHWDecoder,
		})
		defer frames.Close()
		deps.Frames = frames
	}

	r := replay.New(opts, deps)
	defer r.Close()

	r.Subscribe(logNotification)
	if cli.exitOnFinish {
		r.Subscribe(func(n notify.Notification) {
			if n.Kind == notify.StreamFinished {
				stop()
			}
		})
	}

	if err := r.Load(ctx); err != nil {
		log.Fatalf("Load %s failed: %v", cfg.Replay.Route, err)
	}
	if err := r.SetSpeed(cfg.Replay.Speed); err != nil {
		log.Printf("[WARN] Replay: %v", err)
	}

	if cfg.Replay.Live && cfg.Catalog.Source == "dir" {
		id, cat := r.Catalog()
		w := route.NewWatcher(dirSource, id, cat, func(n int, files segment.Files) {
			cached.Invalidate(id.Name())
			r.AddSegment(n, files)
		})
		if p := cfg.Catalog.WatchPoll(); p > 0 {
			w.PollInterval = p
		}
		w.Start(ctx)
	}

	if err := r.Start(cfg.Replay.StartSeconds); err != nil {
		log.Fatalf("Start failed: %v", err)
	}

	// 7. Control API
	apiCfg := api.Config{Player: r, Routes: routes}
	if !cfg.Server.AuthDisabled {
		apiCfg.Auth = middleware.NewJWTAuth(tokens.NewManager(cfg.Server.JWTSigningKey))
	}
	if rdb != nil && cfg.Redis.RateLimit > 0 {
		apiCfg.RateLimit = middleware.NewRateLimit(ratelimit.NewLimiter(rdb, serviceName), "control", ratelimit.LimitConfig{
			Rate:   cfg.Redis.RateLimit,
			Window: time.Duration(cfg.Redis.RateLimitWindow) * time.Second,
		})
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewServer(apiCfg).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[INFO] Control API listening on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[ERROR] HTTP server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Printf("[INFO] Shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		log.Printf("[WARN] Graceful shutdown error: %v", err)
	}
}

func logNotification(n notify.Notification) {
	switch n.Kind {
	case notify.SegmentLoadFailed, notify.PublishFailed, notify.StreamStalled:
		log.Printf("[WARN] Replay %s: %s segment=%d fatal=%v %s", n.Session, n.Kind, n.Segment, n.Fatal, n.Error)
	case notify.SegmentsMerged:
	default:
		log.Printf("[INFO] Replay %s: %s at %.1fs", n.Session, n.Kind, n.Seconds)
	}
}
