package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"citystream.ai/internal/persistence/cellstore"
	persistlog "citystream.ai/internal/persistence/log"
	"citystream.ai/internal/sim/catalogs"
	"citystream.ai/internal/sim/tuning"
	"citystream.ai/internal/sim/world"
	"citystream.ai/internal/sim/world/design"
	"citystream.ai/internal/sim/world/mutation"
	"citystream.ai/internal/sim/world/stream"
	"citystream.ai/internal/transport/multicast"
	"citystream.ai/internal/transport/ws"
)

func main() {
	var (
		addr           = flag.String("addr", ":8080", "http listen address")
		configDir      = flag.String("configs", "./configs", "config directory")
		dataDir        = flag.String("data", "./data", "runtime data directory")
		tuningPath     = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		archetypesSrc  = flag.String("archetypes", "", "archetype catalog path or go-getter url (default: <configs>/archetypes.json)")
		biasSrc        = flag.String("bias", "", "category bias yaml path or go-getter url (optional)")
		disableDB      = flag.Bool("disable_db", false, "disable the sqlite bake/tick index")
		multicastAddr  = flag.String("multicast", "", "mutation group address (default from tuning; \"off\" disables)")
		storeBackend   = flag.String("store", "", "override store.backend from tuning")
		enablePprof    = flag.Bool("pprof", false, "serve /debug/pprof")
		shutdownWindow = flag.Duration("shutdown_timeout", 5*time.Second, "graceful http shutdown timeout")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}
	if b := strings.TrimSpace(*storeBackend); b != "" {
		tune.Store.Backend = b
		tune.Normalize()
		if err := tune.Validate(); err != nil {
			logger.Fatalf("tuning.yaml: %v", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	cacheDir := filepath.Join(*dataDir, "cache")
	reg, err := loadArchetypes(ctx, *archetypesSrc, *configDir, cacheDir, logger)
	if err != nil {
		logger.Fatalf("load archetypes: %v", err)
	}
	designer, err := buildDesigner(ctx, tune, *biasSrc, cacheDir)
	if err != nil {
		logger.Fatalf("designer: %v", err)
	}

	worldDir := filepath.Join(*dataDir, "worlds", tune.WorldID)
	_ = os.MkdirAll(worldDir, 0o755)

	store, err := cellstore.Open(cellstore.Options{
		Backend:  tune.Store.Backend,
		Dir:      tune.Store.Dir,
		Compress: tune.Store.Compress,
		Logger:   log.New(os.Stdout, "[cellstore] ", log.LstdFlags),
	})
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer store.Close()

	idx, err := openRuntimeIndex(worldDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertCatalogs(reg, tune); err != nil {
			logger.Printf("index backend: upsert catalogs: %v", err)
		}
	}

	ingest := mutation.NewIngest(tune.Mutations.QueueSize)
	w, err := world.New(world.Config{
		ID:         tune.WorldID,
		TickRateHz: tune.TickRateHz,
		Stream: stream.Config{
			Params:        tune.Params(),
			Radius:        tune.Stream.Radius,
			Bounds:        tune.Bounds(),
			BakeOnMiss:    tune.Stream.BakeOnMiss,
			ResaveOnEvict: tune.Stream.ResaveOnEvict,
		},
		RebaseDistance:  tune.Stream.RebaseDistance,
		ChurnRate:       tune.Churn.RatePerSecond,
		ChurnRadius:     tune.Churn.RadiusCells,
		ArchetypeDigest: reg.Digest,
	}, store, designer, reg, ingest, log.New(os.Stdout, "[world] ", log.LstdFlags|log.Lmicroseconds))
	if err != nil {
		logger.Fatalf("world: %v", err)
	}

	tickLog := persistlog.NewTickLogger(worldDir)
	mutationLog := persistlog.NewMutationLogger(worldDir)
	defer tickLog.Close()
	defer mutationLog.Close()
	if idx != nil {
		w.SetTickLogger(multiTickLogger{a: tickLog, b: idx})
		w.SetMutationLogger(multiMutationLogger{a: mutationLog, b: idx})
		w.SetBakeRecorder(idx)
	} else {
		w.SetTickLogger(tickLog)
		w.SetMutationLogger(mutationLog)
	}

	go func() {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("world stopped: %v", err)
		}
	}()

	group := strings.TrimSpace(*multicastAddr)
	if group == "" {
		group = tune.Mutations.Multicast
	}
	if group != "" && group != "off" {
		l := multicast.NewListener(group, ingest, log.New(os.Stdout, "[multicast] ", log.LstdFlags))
		go func() {
			if err := l.Run(ctx); err != nil {
				logger.Printf("multicast listener: %v", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(w, idx))
	mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(w.Metrics())
	})
	if *enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", ws.NewServer(w, ws.Options{
		MessagesPerSecond: tune.RateLimits.MessagesPerSecond,
		Burst:             tune.RateLimits.Burst,
	}, log.New(os.Stdout, "[ws] ", log.LstdFlags)).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), *shutdownWindow)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("world=%s store=%s radius=%d listening on %s", tune.WorldID, tune.Store.Backend, tune.Stream.Radius, *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
	}
	cancel()
	<-w.Done()
	logger.Printf("stopped at tick %d", w.CurrentTick())
}

func loadArchetypes(ctx context.Context, src, configDir, cacheDir string, logger *log.Logger) (*catalogs.Archetypes, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		src = filepath.Join(configDir, "archetypes.json")
		if _, err := os.Stat(src); os.IsNotExist(err) {
			logger.Printf("archetypes not found (%s); using built-in catalog", src)
			return catalogs.DefaultArchetypes(), nil
		}
	}
	path, err := catalogs.Resolve(ctx, src, cacheDir)
	if err != nil {
		return nil, err
	}
	return catalogs.LoadArchetypes(path)
}

func buildDesigner(ctx context.Context, tune tuning.Tuning, biasSrc, cacheDir string) (design.Designer, error) {
	rule := design.NewRuleDesigner(tune.Params(), tune.DesignZoning(), log.New(os.Stdout, "[design] ", log.LstdFlags))
	biasSrc = strings.TrimSpace(biasSrc)
	if biasSrc == "" {
		return rule, nil
	}
	path, err := catalogs.Resolve(ctx, biasSrc, cacheDir)
	if err != nil {
		return nil, err
	}
	bias, err := design.LoadBias(path)
	if err != nil {
		return nil, err
	}
	return design.NewBiasedDesigner(rule, bias), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type multiTickLogger struct {
	a world.TickLogger
	b world.TickLogger
}

func (m multiTickLogger) WriteTick(entry world.TickLogEntry) error {
	if m.a != nil {
		_ = m.a.WriteTick(entry)
	}
	if m.b != nil {
		_ = m.b.WriteTick(entry)
	}
	return nil
}

type multiMutationLogger struct {
	a world.MutationLogger
	b world.MutationLogger
}

func (m multiMutationLogger) WriteMutation(entry world.MutationLogEntry) error {
	if m.a != nil {
		_ = m.a.WriteMutation(entry)
	}
	if m.b != nil {
		_ = m.b.WriteMutation(entry)
	}
	return nil
}
