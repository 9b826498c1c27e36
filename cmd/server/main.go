package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"theatreos/internal/config"
	"theatreos/internal/gate"
	"theatreos/internal/plan"
	"theatreos/internal/policy"
	"theatreos/internal/settle"
	"theatreos/internal/store"
	"theatreos/internal/tick"
	"theatreos/internal/transport/httpapi"
	"theatreos/internal/transport/ws"
	"theatreos/internal/wallet"
	"theatreos/internal/world"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		instanceID = flag.String("instance", "theatre_1", "theatre instance id")
		city       = flag.String("city", "Veridian", "city name (used only when creating a fresh instance)")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		policyPath = flag.String("policy", "", "path to policy.yaml (default: <configs>/policy.yaml)")
		schemaPath = flag.String("policy_schema", "./schemas/policy.schema.json", "policy JSON schema (empty to skip validation)")
		noArchive  = flag.Bool("disable_archive", false, "disable the zstd event archive")
		autoTick   = flag.Bool("auto_tick", true, "advance ticks and publish plans on the wall clock")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := config.Load(tp)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", tp)
			tune = config.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	pp := strings.TrimSpace(*policyPath)
	if pp == "" {
		pp = filepath.Join(*configDir, "policy.yaml")
	}
	pol, err := policy.Load(pp, strings.TrimSpace(*schemaPath))
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("policy not found (%s); using defaults", pp)
			pol = policy.Defaults()
		} else {
			logger.Fatalf("load policy: %v", err)
		}
	}

	db, err := store.Open(filepath.Join(*dataDir, "theatre.db"))
	if err != nil {
		logger.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var archive *world.Archive
	if !*noArchive {
		archive = world.NewArchive(filepath.Join(*dataDir, "events"), "events", logger)
		defer archive.Close()
	}
	worlds := world.NewStore(db, logger, world.Options{
		CatchupWindow: tune.TickCatchupWindow,
		SnapshotEvery: tune.SnapshotEveryTicks,
		Archive:       archive,
	})

	ctx, cancel := signalContext()
	defer cancel()

	if _, err := worlds.CreateInstance(ctx, *instanceID, *city,
		map[string]float64{"tension": 0.5, "prosperity": 0.5, "unrest": 0.2},
		map[string]world.Thread{
			"thread_01": {PhaseID: "intro", BranchBucket: "main"},
			"thread_02": {PhaseID: "intro", BranchBucket: "main"},
			"thread_03": {PhaseID: "intro", BranchBucket: "main"},
		}); err != nil {
		logger.Fatalf("create instance: %v", err)
	}

	ledger := wallet.New(db, logger)
	ticks := tick.New(worlds, tune, logger)
	plans := plan.NewGenerator(db, worlds, tune, logger)
	gates := gate.NewManager(db, tune, ledger, logger)
	settler := settle.NewEngine(db, gates, ledger, worlds, pol, tune, logger)
	feed := ws.NewFeed(gates, logger, 2*time.Second)
	settler.OnResolved(feed.BroadcastResolved)

	go settler.RunSweeper(ctx)
	go feed.Run(ctx)
	if *autoTick {
		go runClock(ctx, *instanceID, tune, ticks, plans, gates, logger)
	}

	api := httpapi.NewServer(gates, plans, ticks, ledger, worlds, tune, logger)

	mux := http.NewServeMux()
	api.Register(mux)
	mux.HandleFunc("GET /v1/ws/gates/{gate_id}", feed.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(db, worlds, *instanceID))

	if envBool("TO_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (instance=%s)", *addr, *instanceID)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

// runClock drives the hourly cadence when no external scheduler does:
// advance the tick when a new period starts and keep plans published through
// the lookahead window.
func runClock(ctx context.Context, instanceID string, tune config.Tuning, ticks *tick.Engine, plans *plan.Generator, gates *gate.Manager, logger *log.Logger) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()

	var lastTick int64 = -1
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			id := ticks.CurrentTickID(now)
			if id != lastTick {
				if _, err := ticks.Advance(ctx, instanceID, id); err != nil {
					logger.Printf("clock: tick %d: %v", id, err)
				} else {
					lastTick = id
				}
			}

			ahead := tune.PlanLookaheadHours
			if ahead <= 0 {
				ahead = 1
			}
			for h := 0; h < ahead; h++ {
				window := now.UTC().Truncate(time.Hour).Add(time.Duration(h) * time.Hour)
				p, err := plans.Publish(ctx, instanceID, window)
				if err != nil {
					logger.Printf("clock: publish %s: %v", plan.SlotID(window), err)
					continue
				}
				if _, err := gates.EnsureFromPlan(ctx, p); err != nil {
					logger.Printf("clock: gate for %s: %v", p.SlotID, err)
				}
			}
		}
	}
}

func metricsHandler(db *store.DB, worlds *world.Store, instanceID string) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		if s, err := worlds.Snapshot(r.Context(), instanceID); err == nil {
			fmt.Fprintf(rw, "# HELP theatreos_world_tick Current world tick.\n")
			fmt.Fprintf(rw, "# TYPE theatreos_world_tick gauge\n")
			fmt.Fprintf(rw, "theatreos_world_tick{instance=%q} %d\n", instanceID, s.TickID)

			fmt.Fprintf(rw, "# HELP theatreos_world_version World state version.\n")
			fmt.Fprintf(rw, "# TYPE theatreos_world_version gauge\n")
			fmt.Fprintf(rw, "theatreos_world_version{instance=%q} %d\n", instanceID, s.Version)
		}

		rows, err := db.SQL().QueryContext(r.Context(),
			`SELECT status, COUNT(*) FROM gate_instance WHERE instance_id = ? GROUP BY status`, instanceID)
		if err != nil {
			return
		}
		defer rows.Close()
		fmt.Fprintf(rw, "# HELP theatreos_gates Gate count by status.\n")
		fmt.Fprintf(rw, "# TYPE theatreos_gates gauge\n")
		for rows.Next() {
			var status string
			var n int64
			if err := rows.Scan(&status, &n); err != nil {
				return
			}
			fmt.Fprintf(rw, "theatreos_gates{instance=%q,status=%q} %d\n", instanceID, status, n)
		}
	}
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

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
