package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"nightbell.ai/internal/notify"
	"nightbell.ai/internal/persistence/indexdb"
	persistlog "nightbell.ai/internal/persistence/log"
	"nightbell.ai/internal/sim/multiworld"
	"nightbell.ai/internal/sim/tuning"
	"nightbell.ai/internal/transport/ws"
)

// serverRuntime is what the HTTP layer reads from. idx and noteLog may be nil.
type serverRuntime struct {
	mgr     *multiworld.Manager
	ws      *ws.Server
	idx     *indexdb.Index
	ring    *notify.Ring
	noteLog *persistlog.NotificationLogger
	tuning  *tuning.Watcher[tuning.Tuning]
	logger  *log.Logger
}

func buildMux(rt *serverRuntime, enableAdmin, enablePprof bool) *http.ServeMux {
	if rt.logger == nil {
		rt.logger = log.New(io.Discard, "", 0)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, rt)
	})

	if enableAdmin {
		mux.HandleFunc("/admin/v1/state", adminOnly(http.MethodGet, func(rw http.ResponseWriter, r *http.Request) {
			writeJSON(rw, http.StatusOK, rt.mgr.Status())
		}))
		mux.HandleFunc("/admin/v1/weather", adminOnly(http.MethodPost, func(rw http.ResponseWriter, r *http.Request) {
			var body struct {
				WorldID       string `json:"world_id"`
				Thunder       bool   `json:"thunder"`
				DurationTicks uint64 `json:"duration_ticks"`
			}
			if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil || strings.TrimSpace(body.WorldID) == "" {
				writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": "need world_id"})
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			err := rt.mgr.SetThunder(ctx, body.WorldID, body.Thunder, body.DurationTicks)
			if err == nil {
				rt.logger.Printf("admin: world=%s thunder=%v duration=%d", body.WorldID, body.Thunder, body.DurationTicks)
			}
			writeControlResult(rw, err)
		}))
		mux.HandleFunc("/admin/v1/time", adminOnly(http.MethodPost, func(rw http.ResponseWriter, r *http.Request) {
			var body struct {
				WorldID   string `json:"world_id"`
				TimeOfDay *int64 `json:"time_of_day"`
			}
			if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil || strings.TrimSpace(body.WorldID) == "" || body.TimeOfDay == nil {
				writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": "need world_id and time_of_day"})
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			err := rt.mgr.SetTimeOfDay(ctx, body.WorldID, *body.TimeOfDay)
			if err == nil {
				rt.logger.Printf("admin: world=%s time_of_day=%d", body.WorldID, *body.TimeOfDay)
			}
			writeControlResult(rw, err)
		}))
		mux.HandleFunc("/admin/v1/notifications", adminOnly(http.MethodGet, func(rw http.ResponseWriter, r *http.Request) {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			if limit <= 0 {
				limit = 50
			}
			if rt.idx != nil {
				rows, err := rt.idx.RecentNotifications(r.Context(), limit)
				if err == nil {
					writeJSON(rw, http.StatusOK, map[string]any{"source": "index", "notifications": rows})
					return
				}
				rt.logger.Printf("admin: index notifications: %v", err)
			}
			var reports []notify.Report
			if rt.ring != nil {
				reports = rt.ring.Recent(limit)
			}
			writeJSON(rw, http.StatusOK, map[string]any{"source": "memory", "notifications": reports})
		}))
	}

	if enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	if rt.ws != nil {
		mux.HandleFunc("/v1/ws", rt.ws.Handler())
	}
	return mux
}

// adminOnly restricts h to loopback callers using method.
func adminOnly(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func writeControlResult(rw http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
	case errors.Is(err, multiworld.ErrWorldNotFound):
		writeJSON(rw, http.StatusNotFound, map[string]any{"ok": false, "error": err.Error()})
	default:
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
	}
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(v)
}

func boolGauge(v bool) int {
	if v {
		return 1
	}
	return 0
}

// writeMetrics emits the Prometheus text exposition format.
func writeMetrics(w io.Writer, rt *serverRuntime) {
	st := rt.mgr.Status()
	fmt.Fprintf(w, "# HELP nightbell_tick Current manager tick.\n")
	fmt.Fprintf(w, "# TYPE nightbell_tick gauge\n")
	fmt.Fprintf(w, "nightbell_tick %d\n", st.Tick)
	fmt.Fprintf(w, "# HELP nightbell_step_ms Last tick step duration in milliseconds.\n")
	fmt.Fprintf(w, "# TYPE nightbell_step_ms gauge\n")
	fmt.Fprintf(w, "nightbell_step_ms %.3f\n", st.StepMS)

	fmt.Fprintf(w, "# HELP nightbell_world_time_of_day World time of day in ticks.\n")
	fmt.Fprintf(w, "# TYPE nightbell_world_time_of_day gauge\n")
	for _, ww := range st.Worlds {
		fmt.Fprintf(w, "nightbell_world_time_of_day{world=%q} %d\n", ww.WorldID, ww.TimeOfDay)
	}
	fmt.Fprintf(w, "# HELP nightbell_world_participants Participants resident in the world.\n")
	fmt.Fprintf(w, "# TYPE nightbell_world_participants gauge\n")
	for _, ww := range st.Worlds {
		fmt.Fprintf(w, "nightbell_world_participants{world=%q} %d\n", ww.WorldID, ww.Participants)
	}
	fmt.Fprintf(w, "# HELP nightbell_world_dormancy_eligible 1 while the world is in a dormancy-eligible phase.\n")
	fmt.Fprintf(w, "# TYPE nightbell_world_dormancy_eligible gauge\n")
	for _, ww := range st.Worlds {
		fmt.Fprintf(w, "nightbell_world_dormancy_eligible{world=%q} %d\n", ww.WorldID, boolGauge(ww.DormancyEligible))
	}
	fmt.Fprintf(w, "# HELP nightbell_world_night_progress Fraction of the night still ahead.\n")
	fmt.Fprintf(w, "# TYPE nightbell_world_night_progress gauge\n")
	for _, ww := range st.Worlds {
		fmt.Fprintf(w, "nightbell_world_night_progress{world=%q} %.6f\n", ww.WorldID, ww.Progress)
	}

	fmt.Fprintf(w, "# HELP nightbell_queue_depth Manager channel backlog depth.\n")
	fmt.Fprintf(w, "# TYPE nightbell_queue_depth gauge\n")
	fmt.Fprintf(w, "nightbell_queue_depth{queue=%q} %d\n", "join", st.QueueDepths.Join)
	fmt.Fprintf(w, "nightbell_queue_depth{queue=%q} %d\n", "leave", st.QueueDepths.Leave)
	fmt.Fprintf(w, "nightbell_queue_depth{queue=%q} %d\n", "rest", st.QueueDepths.Rest)
	fmt.Fprintf(w, "nightbell_queue_depth{queue=%q} %d\n", "switch", st.QueueDepths.Switch)
	fmt.Fprintf(w, "nightbell_queue_depth{queue=%q} %d\n", "control", st.QueueDepths.Control)

	fmt.Fprintf(w, "# HELP nightbell_clock_syncs_total CLOCK messages sent.\n")
	fmt.Fprintf(w, "# TYPE nightbell_clock_syncs_total counter\n")
	fmt.Fprintf(w, "nightbell_clock_syncs_total %d\n", st.ClockSyncs)
	fmt.Fprintf(w, "# HELP nightbell_snapshots_total Snapshots handed to the writer.\n")
	fmt.Fprintf(w, "# TYPE nightbell_snapshots_total counter\n")
	fmt.Fprintf(w, "nightbell_snapshots_total{result=%q} %d\n", "queued", st.SnapshotsQueued)
	fmt.Fprintf(w, "nightbell_snapshots_total{result=%q} %d\n", "dropped", st.SnapshotsDropped)

	ds := rt.mgr.Dispatcher().Stats()
	fmt.Fprintf(w, "# HELP nightbell_notifications_total Phase edges dispatched.\n")
	fmt.Fprintf(w, "# TYPE nightbell_notifications_total counter\n")
	fmt.Fprintf(w, "nightbell_notifications_total{event=%q} %d\n", "NIGHT_START", ds.NightStart)
	fmt.Fprintf(w, "nightbell_notifications_total{event=%q} %d\n", "SUNRISE_IMMINENT", ds.SunriseImminent)
	fmt.Fprintf(w, "# HELP nightbell_notifications_suppressed_total Edges with no participant over the rest threshold.\n")
	fmt.Fprintf(w, "# TYPE nightbell_notifications_suppressed_total counter\n")
	fmt.Fprintf(w, "nightbell_notifications_suppressed_total %d\n", ds.Suppressed)
	fmt.Fprintf(w, "# HELP nightbell_deliveries_total Per-recipient deliveries.\n")
	fmt.Fprintf(w, "# TYPE nightbell_deliveries_total counter\n")
	fmt.Fprintf(w, "nightbell_deliveries_total{result=%q} %d\n", "ok", ds.Delivered)
	fmt.Fprintf(w, "nightbell_deliveries_total{result=%q} %d\n", "failed", ds.Failed)
	fmt.Fprintf(w, "# HELP nightbell_sounds_total SOUND cues sent.\n")
	fmt.Fprintf(w, "# TYPE nightbell_sounds_total counter\n")
	fmt.Fprintf(w, "nightbell_sounds_total %d\n", ds.Sounds)

	if rt.ws != nil {
		ss := rt.ws.Stats()
		fmt.Fprintf(w, "# HELP nightbell_sessions_active Connected sessions.\n")
		fmt.Fprintf(w, "# TYPE nightbell_sessions_active gauge\n")
		fmt.Fprintf(w, "nightbell_sessions_active %d\n", ss.Active)
		fmt.Fprintf(w, "# HELP nightbell_sessions_total Session handshakes by outcome.\n")
		fmt.Fprintf(w, "# TYPE nightbell_sessions_total counter\n")
		fmt.Fprintf(w, "nightbell_sessions_total{result=%q} %d\n", "accepted", ss.Accepted)
		fmt.Fprintf(w, "nightbell_sessions_total{result=%q} %d\n", "rejected", ss.Rejected)
		fmt.Fprintf(w, "# HELP nightbell_rate_limited_total Client messages rejected by the rate limiter.\n")
		fmt.Fprintf(w, "# TYPE nightbell_rate_limited_total counter\n")
		fmt.Fprintf(w, "nightbell_rate_limited_total %d\n", ss.RateLimited)
	}

	if rt.idx != nil {
		is := rt.idx.Stats()
		fmt.Fprintf(w, "# HELP nightbell_index_queue_depth Pending index writes.\n")
		fmt.Fprintf(w, "# TYPE nightbell_index_queue_depth gauge\n")
		fmt.Fprintf(w, "nightbell_index_queue_depth{dialect=%q} %d\n", is.Dialect, is.QueueDepth)
		fmt.Fprintf(w, "# HELP nightbell_index_dropped_total Index writes dropped because the queue was full.\n")
		fmt.Fprintf(w, "# TYPE nightbell_index_dropped_total counter\n")
		fmt.Fprintf(w, "nightbell_index_dropped_total{dialect=%q} %d\n", is.Dialect, is.Dropped)
		fmt.Fprintf(w, "# HELP nightbell_index_write_errors_total Failed index statements.\n")
		fmt.Fprintf(w, "# TYPE nightbell_index_write_errors_total counter\n")
		fmt.Fprintf(w, "nightbell_index_write_errors_total{dialect=%q} %d\n", is.Dialect, is.WriteErrors)
	}
	if rt.noteLog != nil {
		fmt.Fprintf(w, "# HELP nightbell_notification_log_lines_total Reports written to the notification log.\n")
		fmt.Fprintf(w, "# TYPE nightbell_notification_log_lines_total counter\n")
		fmt.Fprintf(w, "nightbell_notification_log_lines_total %d\n", rt.noteLog.Lines())
	}
	if rt.tuning != nil {
		fmt.Fprintf(w, "# HELP nightbell_tuning_reloads_total tuning.yaml reloads by outcome.\n")
		fmt.Fprintf(w, "# TYPE nightbell_tuning_reloads_total counter\n")
		fmt.Fprintf(w, "nightbell_tuning_reloads_total{result=%q} %d\n", "ok", rt.tuning.Reloads())
		fmt.Fprintf(w, "nightbell_tuning_reloads_total{result=%q} %d\n", "failed", rt.tuning.Failures())
	}
}
