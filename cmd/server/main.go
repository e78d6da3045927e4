package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"nightbell.ai/internal/notify"
	"nightbell.ai/internal/persistence/indexdb"
	persistlog "nightbell.ai/internal/persistence/log"
	"nightbell.ai/internal/persistence/snapshot"
	"nightbell.ai/internal/sim/multiworld"
	"nightbell.ai/internal/sim/tuning"
	"nightbell.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		worldsPath = flag.String("worlds", "", "path to worlds.yaml (default: <configs>/worlds.yaml; built-in worlds if missing)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		disableDB  = flag.Bool("disable_db", false, "disable the notification/snapshot index")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")

		verbose = flag.Bool("v", false, "verbose logging")
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
	tuneWatch := tuning.NewWatcher(tp, tune, tuning.Load, time.Second, logger)

	wp := strings.TrimSpace(*worldsPath)
	if wp == "" {
		wp = filepath.Join(*configDir, "worlds.yaml")
	}
	if _, err := os.Stat(wp); err != nil {
		logger.Printf("worlds config not found (%s); using built-in worlds", wp)
		wp = ""
	}
	wcfg, err := multiworld.Load(wp)
	if err != nil {
		logger.Fatalf("load worlds config: %v", err)
	}

	idx, err := openIndex(*dataDir, *disableDB, logger)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
	}

	noteLog := persistlog.NewNotificationLogger(*dataDir)
	defer noteLog.Close()
	ring := notify.NewRing(256)

	dispatcher := notify.NewDispatcher(logger, noteLog, ring)
	dispatcher.SetVerbose(*verbose)
	if idx != nil {
		dispatcher.AddRecorder(idx)
	}

	mgr, err := multiworld.NewManager(wcfg, tuneWatch.Current, dispatcher, logger)
	if err != nil {
		logger.Fatalf("manager: %v", err)
	}

	snapDir := filepath.Join(*dataDir, "snapshots")
	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = snapshot.Latest(snapDir)
	}
	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		mgr.Restore(snap)
		logger.Printf("resumed from snapshot=%s tick=%d", filepath.Base(snapshotToLoad), snap.Header.Tick)
	}

	ctx, cancel := signalContext()
	defer cancel()

	// Snapshot writer.
	snapCh := make(chan snapshot.SnapshotV1, 2)
	mgr.SetSnapshotSink(snapCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-snapCh:
				path := filepath.Join(snapDir, snapshot.FileName(snap.Header.Tick))
				if err := snapshot.WriteSnapshot(path, snap); err != nil {
					logger.Printf("snapshot write: %v", err)
					continue
				}
				if idx != nil {
					idx.RecordSnapshot(path, snap)
				}
			}
		}
	}()

	go tuneWatch.Run(ctx)
	go func() {
		if err := mgr.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("manager stopped: %v", err)
		}
	}()

	wsSrv := ws.NewServer(mgr, logger)
	wsSrv.SetVerbose(*verbose)

	rt := &serverRuntime{
		mgr:     mgr,
		ws:      wsSrv,
		idx:     idx,
		ring:    ring,
		noteLog: noteLog,
		tuning:  tuneWatch,
		logger:  logger,
	}
	enableAdminHTTP := envBool("NB_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("NB_ENABLE_PPROF_HTTP", false)
	if !enableAdminHTTP {
		logger.Printf("admin endpoints disabled (NB_ENABLE_ADMIN_HTTP=false)")
	}
	mux := buildMux(rt, enableAdminHTTP, enablePprofHTTP)

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

	logger.Printf("listening on %s (worlds=%d tick_rate=%d)", *addr, len(wcfg.Worlds), tune.TickRateHz)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
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

// openIndex picks the index backend from NB_INDEX_BACKEND. Postgres reads its
// DSN from NB_POSTGRES_DSN.
func openIndex(dataDir string, disableDB bool, logger *log.Logger) (*indexdb.Index, error) {
	if disableDB {
		return nil, nil
	}
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("NB_INDEX_BACKEND")))
	switch raw {
	case "none", "off", "disabled":
		logger.Printf("index backend disabled (NB_INDEX_BACKEND=%s)", raw)
		return nil, nil
	}
	dialect, err := indexdb.ParseDialect(raw)
	if err != nil {
		return nil, err
	}
	if dialect == indexdb.DialectPostgres {
		return indexdb.OpenPostgres(strings.TrimSpace(os.Getenv("NB_POSTGRES_DSN")))
	}
	return indexdb.OpenSQLite(filepath.Join(dataDir, "index", "nightbell.sqlite"))
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

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
