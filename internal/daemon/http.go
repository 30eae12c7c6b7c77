package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Version is stamped by the build; main overrides it at startup.
var Version = "dev"

// statsPayload is the /stats response body.
type statsPayload struct {
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	StartedAt    string         `json:"started_at"`
	UptimeSecs   int64          `json:"uptime_secs"`
	Received     int64          `json:"messages_received"`
	Delivered    int64          `json:"messages_delivered"`
	Blocked      int64          `json:"messages_blocked"`
	Pending      int            `json:"pending_approvals"`
	Reminders    int            `json:"reminders"`
	CronJobs     int            `json:"cron_jobs"`
	TotalMicros  int64          `json:"total_cost_micros"`
	Sessions     []sessionStats `json:"sessions"`
	Subscribers  int            `json:"event_subscribers"`
	AuditEntries int            `json:"audit_entries"`
}

type sessionStats struct {
	SenderID   string `json:"sender_id"`
	Model      string `json:"model"`
	Exchanges  int    `json:"exchanges"`
	CostMicros int64  `json:"cost_micros"`
	OverCap    int    `json:"over_cap"`
}

// serveHTTP runs the health/stats/events endpoint until ctx cancels.
func (d *Daemon) serveHTTP(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.HandleFunc("GET /stats", d.handleStats)
	mux.HandleFunc("GET /v1/events", d.handleEvents)

	srv := &http.Server{
		Addr:              d.cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("http endpoint listening", "addr", d.cfg.HTTP.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http endpoint failed", "error", err)
	}
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"uptime_secs": int64(d.now().UTC().Sub(d.startedAt).Seconds()),
	})
}

func (d *Daemon) handleStats(w http.ResponseWriter, r *http.Request) {
	reminders, jobs := d.scheduler.Counts()
	auditCount, _ := d.db.CountAudit()

	payload := statsPayload{
		Name:         d.cfg.Name,
		Version:      Version,
		StartedAt:    d.startedAt.Format(time.RFC3339),
		UptimeSecs:   int64(d.now().UTC().Sub(d.startedAt).Seconds()),
		Received:     d.received.Load(),
		Delivered:    d.delivered.Load(),
		Blocked:      d.blocked.Load(),
		Pending:      len(d.registry.PendingList()),
		Reminders:    reminders,
		CronJobs:     jobs,
		Subscribers:  d.bus.SubscriberCount(),
		AuditEntries: auditCount,
	}
	for _, snap := range d.sessions.Snapshots() {
		payload.TotalMicros += snap.CostMicros
		payload.Sessions = append(payload.Sessions, sessionStats{
			SenderID:   snap.SenderID,
			Model:      snap.Model,
			Exchanges:  snap.Exchanges,
			CostMicros: snap.CostMicros,
			OverCap:    snap.OverCap,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

// handleEvents streams the activity bus over SSE.
func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Hydrate with recent history, then stream live.
	for _, e := range d.bus.Recent(50) {
		fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
	}
	flusher.Flush()

	events, done := d.bus.Subscribe()
	defer d.bus.Unsubscribe(done)

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
			flusher.Flush()
		}
	}
}
