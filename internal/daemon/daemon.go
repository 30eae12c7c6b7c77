// Package daemon is the relay's event loop: it merges transport
// messages and scheduler fires into one stream, applies the approval
// gate, dispatches commands, drives the AI backend, and delivers
// replies.
//
// Each sender gets a dedicated worker goroutine with a FIFO queue, so a
// sender's exchanges never interleave while different senders proceed in
// parallel. Scheduler fires enter the same per-sender queue as synthetic
// messages and obey the same ordering.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relay-labs/relay/internal/command"
	"github.com/relay-labs/relay/internal/llm"
	"github.com/relay-labs/relay/pkg/bus"
	"github.com/relay-labs/relay/pkg/channel"
	"github.com/relay-labs/relay/pkg/chunk"
	"github.com/relay-labs/relay/pkg/registry"
	"github.com/relay-labs/relay/pkg/sched"
	"github.com/relay-labs/relay/pkg/semantic"
	"github.com/relay-labs/relay/pkg/session"
	"github.com/relay-labs/relay/pkg/store"
)

const (
	// defaultMaxMessageLen is the fallback transport message size
	// limit when the config does not set one.
	defaultMaxMessageLen = 4000
	// workerIdleTimeout tears down a sender's worker after inactivity.
	workerIdleTimeout = 5 * time.Minute
	// tickInterval is the scheduler poll period.
	tickInterval = 1 * time.Second
)

// Daemon wires the relay together.
type Daemon struct {
	cfg       *Config
	db        *store.Store
	registry  *registry.Registry
	sessions  *session.Store
	scheduler *sched.Scheduler
	completer llm.Completer
	ch        channel.Channel
	bus       *bus.Bus

	// Optional semantic layer; nil when disabled.
	vectors *semantic.Store
	tei     *semantic.TEIClient

	now      func() time.Time
	maxChunk int
	debounce time.Duration

	mu      sync.Mutex
	workers map[string]*senderWorker
	wg      sync.WaitGroup

	startedAt time.Time
	received  atomic.Int64
	delivered atomic.Int64
	blocked   atomic.Int64
}

// senderWorker holds one sender's inbound backlog. pending is guarded
// by Daemon.mu so the worker can only unregister while it is empty and
// no message is ever appended to a dead worker.
type senderWorker struct {
	pending []channel.Message
	wake    chan struct{}
}

// New builds the daemon from config: opens the store (fatal on a
// database that exists but cannot be loaded), loads registry, sessions,
// and scheduler, and connects the Matrix transport and AI backend.
func New(cfg *Config, ch channel.Channel, completer llm.Completer) (*Daemon, error) {
	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	d, err := newCore(cfg, db, ch, completer, time.Now)
	if err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// newCore finishes construction from an open store. Split out so tests
// can inject fakes for the channel, backend, and clock.
func newCore(cfg *Config, db *store.Store, ch channel.Channel, completer llm.Completer, now func() time.Time) (*Daemon, error) {
	reg, err := registry.New(db, cfg.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	sessions, err := session.NewStore(db, session.Config{
		DefaultModel:  cfg.AI.DefaultModel,
		HistoryBudget: cfg.Session.HistoryBudget,
		CapMicros:     cfg.Session.CapMicros,
	})
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	scheduler, err := sched.New(db, now)
	if err != nil {
		return nil, fmt.Errorf("load scheduler: %w", err)
	}

	maxChunk := cfg.Transport.MaxMessageLen
	if maxChunk <= 0 {
		maxChunk = defaultMaxMessageLen
	}

	return &Daemon{
		cfg:       cfg,
		db:        db,
		registry:  reg,
		sessions:  sessions,
		scheduler: scheduler,
		completer: completer,
		ch:        ch,
		bus:       bus.New(),
		now:       now,
		maxChunk:  maxChunk,
		debounce:  time.Duration(cfg.Transport.DebounceMS) * time.Millisecond,
		workers:   make(map[string]*senderWorker),
		startedAt: now().UTC(),
	}, nil
}

// Run starts the daemon and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("relay daemon starting", "name", d.cfg.Name, "owner", d.registry.OwnerID())

	if d.cfg.Semantic.Enabled {
		if err := d.startSemantic(ctx); err != nil {
			slog.Warn("semantic layer unavailable, keyword search only", "error", err)
		}
	}
	if d.cfg.HTTP.Enabled {
		go d.serveHTTP(ctx)
	}

	d.wg.Add(1)
	go d.schedulerPump(ctx)

	err := d.ch.Start(ctx, d.onMessage)

	d.wg.Wait()
	d.ch.Stop()
	if d.vectors != nil {
		d.vectors.Close()
	}
	if cerr := d.db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	slog.Info("relay daemon stopped")
	return err
}

func (d *Daemon) startSemantic(ctx context.Context) error {
	vectors, err := semantic.NewStore(ctx, d.cfg.Semantic.PostgresURL)
	if err != nil {
		return err
	}
	if err := vectors.Init(ctx); err != nil {
		vectors.Close()
		return err
	}
	tei := semantic.NewTEIClient(d.cfg.Semantic.TEIURL)
	if err := tei.Health(ctx); err != nil {
		vectors.Close()
		return err
	}

	d.vectors = vectors
	d.tei = tei

	interval, _ := time.ParseDuration(d.cfg.Semantic.SyncInterval)
	worker := semantic.NewSyncWorker(d.db, vectors, tei, interval, d.cfg.Semantic.BatchSize)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		worker.Run(ctx)
	}()
	return nil
}

// schedulerPump polls the scheduler and injects due items as synthetic
// messages on the owning sender's queue.
func (d *Daemon) schedulerPump(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := d.scheduler.Tick(d.now())
			if err != nil {
				slog.Error("scheduler tick failed", "error", err)
				continue
			}
			for _, item := range due {
				d.injectDueItem(ctx, item)
			}
		}
	}
}

// injectDueItem turns a scheduler fire into a synthetic inbound
// message. Fires owned by revoked or pending senders are suppressed at
// delivery; the job itself stays alive.
func (d *Daemon) injectDueItem(ctx context.Context, item sched.DueItem) {
	state, ok := d.registry.StateOf(item.OwnerID)
	if !ok || (state != registry.StateOwner && state != registry.StateApproved) {
		slog.Info("suppressing scheduled delivery for unapproved sender",
			"kind", item.Kind, "id", item.ID, "owner", item.OwnerID, "state", string(state))
		d.bus.Publish(bus.Event{Type: bus.EventScheduler, Sender: item.OwnerID, Detail: "suppressed " + item.Kind})
		return
	}

	content := item.Text
	if !strings.HasPrefix(content, "/") {
		if item.Kind == "reminder" {
			content = "⏰ " + content
		} else {
			content = "🔁 " + content
		}
	}

	d.bus.Publish(bus.Event{Type: bus.EventScheduler, Sender: item.OwnerID, Detail: item.Kind + " fired"})
	d.enqueue(ctx, channel.Message{
		SenderID:  item.OwnerID,
		RoomID:    d.registry.RoomOf(item.OwnerID),
		Content:   content,
		Timestamp: item.FireAt.UnixMilli(),
		Synthetic: true,
	})
}

// onMessage is the transport callback: classify, then queue on the
// sender's worker.
func (d *Daemon) onMessage(ctx context.Context, msg channel.Message) error {
	d.received.Add(1)

	state, req, err := d.registry.Classify(msg.SenderID, msg.DisplayName, msg.RoomID)
	if err != nil {
		return fmt.Errorf("classify %s: %w", msg.SenderID, err)
	}
	if req != nil {
		d.notifyOwner(ctx, fmt.Sprintf("Approval requested: %s (%s). Reply %s to approve.",
			req.DisplayName, req.SenderID, req.AllowHint))
		d.bus.Publish(bus.Event{Type: bus.EventApproval, Sender: msg.SenderID, Detail: "approval requested"})
	}
	if state == registry.StatePending || state == registry.StateRevoked {
		d.blocked.Add(1)
		slog.Info("blocked message", "sender", msg.SenderID, "state", string(state))
		return nil
	}

	d.enqueue(ctx, msg)
	return nil
}

// enqueue hands a message to the sender's worker, creating one on
// demand. The backlog is unbounded and appended under d.mu, so a
// message is never dropped and never lands on a worker that has
// already unregistered.
func (d *Daemon) enqueue(ctx context.Context, msg channel.Message) {
	d.mu.Lock()
	w, ok := d.workers[msg.SenderID]
	if !ok {
		w = &senderWorker{wake: make(chan struct{}, 1)}
		d.workers[msg.SenderID] = w
		d.wg.Add(1)
		go d.runWorker(ctx, msg.SenderID, w)
	}
	w.pending = append(w.pending, msg)
	d.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// runWorker serializes one sender's messages, exiting after a quiet
// period. The worker only unregisters under d.mu while its backlog is
// empty, which is the same critical section enqueue appends in.
func (d *Daemon) runWorker(ctx context.Context, senderID string, w *senderWorker) {
	defer d.wg.Done()

	idle := time.NewTimer(workerIdleTimeout)
	defer idle.Stop()

	for {
		d.mu.Lock()
		var msg channel.Message
		have := len(w.pending) > 0
		if have {
			msg = w.pending[0]
			w.pending = w.pending[1:]
		}
		d.mu.Unlock()

		if have {
			if d.debounce > 0 && isPlainChat(msg) {
				msg = d.coalesce(ctx, w, msg)
			}
			d.handleMessage(ctx, msg)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(workerIdleTimeout)
			continue
		}

		select {
		case <-ctx.Done():
			d.mu.Lock()
			delete(d.workers, senderID)
			d.mu.Unlock()
			return
		case <-w.wake:
		case <-idle.C:
			d.mu.Lock()
			if len(w.pending) == 0 {
				delete(d.workers, senderID)
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			idle.Reset(workerIdleTimeout)
		}
	}
}

// isPlainChat reports whether a message goes to the AI path rather
// than the command dispatcher or the synthetic fast path.
func isPlainChat(msg channel.Message) bool {
	return !msg.Synthetic && !strings.HasPrefix(strings.TrimSpace(msg.Content), "/")
}

// coalesce waits out the debounce window, folding further plain chat
// lines from the same sender into one prompt. A command or synthetic
// message in the backlog ends the window early and is left queued.
func (d *Daemon) coalesce(ctx context.Context, w *senderWorker, msg channel.Message) channel.Message {
	timer := time.NewTimer(d.debounce)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return msg
		case <-timer.C:
			return msg
		case <-w.wake:
			d.mu.Lock()
			folded := false
			for len(w.pending) > 0 && isPlainChat(w.pending[0]) {
				msg.Content += "\n" + w.pending[0].Content
				w.pending = w.pending[1:]
				folded = true
			}
			blocked := len(w.pending) > 0
			d.mu.Unlock()
			if blocked {
				return msg
			}
			if folded {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(d.debounce)
			}
		}
	}
}

// handleMessage processes one message end to end on the sender's
// worker goroutine.
func (d *Daemon) handleMessage(ctx context.Context, msg channel.Message) {
	cmd, isCmd, err := command.Parse(msg.Content)
	if err != nil {
		d.send(ctx, msg.SenderID, msg.RoomID, err.Error())
		return
	}

	switch {
	case isCmd:
		reply := d.executeCommand(ctx, msg, cmd)
		if reply != "" {
			d.send(ctx, msg.SenderID, msg.RoomID, reply)
		}
	case msg.Synthetic:
		// Scheduled text: deliver verbatim and record a zero-cost
		// exchange so /search finds it later. No AI call.
		d.send(ctx, msg.SenderID, msg.RoomID, msg.Content)
		if _, err := d.sessions.RecordExchange(msg.SenderID, msg.Content, "", 0, true); err != nil {
			slog.Error("record synthetic exchange failed", "sender", msg.SenderID, "error", err)
		}
	default:
		d.completeChat(ctx, msg)
	}
}

// completeChat runs the AI path: build context, call the backend,
// record the exchange, deliver the first chunk, and hold the rest for
// /more.
func (d *Daemon) completeChat(ctx context.Context, msg channel.Message) {
	d.ch.Typing(ctx, msg.RoomID, true)
	defer d.ch.Typing(ctx, msg.RoomID, false)

	model, err := d.sessions.Model(msg.SenderID)
	if err != nil {
		slog.Error("session lookup failed", "sender", msg.SenderID, "error", err)
		d.send(ctx, msg.SenderID, msg.RoomID, "Something went wrong on my end; please try again.")
		return
	}

	req, err := d.buildRequest(msg.SenderID, msg.Content, model)
	if err != nil {
		slog.Error("build request failed", "sender", msg.SenderID, "error", err)
		d.send(ctx, msg.SenderID, msg.RoomID, "Something went wrong on my end; please try again.")
		return
	}

	completion, err := d.completer.Complete(ctx, req)
	if err != nil {
		// No partial exchange is recorded; the sender can retry by
		// resending.
		slog.Error("backend completion failed", "sender", msg.SenderID, "error", err)
		d.bus.Publish(bus.Event{Type: bus.EventError, Sender: msg.SenderID, Detail: err.Error()})
		d.send(ctx, msg.SenderID, msg.RoomID, fmt.Sprintf("AI request failed (%s). Your message was not charged; resend to retry.", d.completer.Name()))
		return
	}

	overCap, err := d.sessions.RecordExchange(msg.SenderID, msg.Content, completion.Text, completion.CostMicros, false)
	if err != nil {
		slog.Error("record exchange failed", "sender", msg.SenderID, "error", err)
	}
	d.bus.Publish(bus.Event{
		Type:       bus.EventExchange,
		Sender:     msg.SenderID,
		Detail:     completion.Model,
		CostMicros: completion.CostMicros,
	})

	chunks := chunk.Split(completion.Text, d.maxChunk)
	first := chunks[0]
	if len(chunks) > 1 {
		if err := d.sessions.HoldRemainder(msg.SenderID, chunks[1:]); err != nil {
			slog.Error("hold remainder failed", "sender", msg.SenderID, "error", err)
		}
		first += fmt.Sprintf("\n\n[1/%d — /more for the rest]", len(chunks))
	}
	if overCap {
		first += fmt.Sprintf("\n\n[this reply cost %s, over the per-message guideline]", dollars(completion.CostMicros))
	}
	d.send(ctx, msg.SenderID, msg.RoomID, first)
}

// buildRequest assembles the backend request from the session's memory
// and bounded history.
func (d *Daemon) buildRequest(senderID, prompt, model string) (llm.Request, error) {
	history, err := d.sessions.History(senderID)
	if err != nil {
		return llm.Request{}, err
	}
	memory, err := d.sessions.Memory(senderID)
	if err != nil {
		return llm.Request{}, err
	}

	system := d.cfg.AI.System
	if system == "" {
		system = "You are a helpful assistant reachable over chat. Keep replies concise; the transport splits long messages."
	}
	if memory != "" {
		system += "\n\nKnown facts about this user:\n" + memory
	}

	var messages []llm.Message
	for _, e := range history {
		if e.Synthetic {
			continue
		}
		messages = append(messages, llm.Message{Role: "user", Content: e.Prompt})
		if e.Reply != "" {
			messages = append(messages, llm.Message{Role: "assistant", Content: e.Reply})
		}
	}
	messages = append(messages, llm.Message{Role: "user", Content: prompt})

	return llm.Request{
		System:    system,
		Messages:  messages,
		Model:     model,
		MaxTokens: d.cfg.AI.MaxOutput,
	}, nil
}

// send delivers text to a sender, chunked for the transport. Failures
// abort remaining chunks.
func (d *Daemon) send(ctx context.Context, senderID, roomID, text string) {
	if roomID == "" {
		slog.Warn("no known room for sender, dropping reply", "sender", senderID)
		return
	}
	resp := channel.Response{
		RecipientID: senderID,
		RoomID:      roomID,
		Chunks:      chunk.Split(text, d.maxChunk),
	}
	if err := d.ch.Send(ctx, resp); err != nil {
		slog.Error("delivery failed", "sender", senderID, "error", err)
		d.bus.Publish(bus.Event{Type: bus.EventError, Sender: senderID, Detail: "delivery failed"})
		return
	}
	d.delivered.Add(1)
}

// notifyOwner delivers an administrative notice to the owner's last
// known room.
func (d *Daemon) notifyOwner(ctx context.Context, text string) {
	ownerID := d.registry.OwnerID()
	room := d.registry.RoomOf(ownerID)
	if room == "" {
		slog.Warn("owner has no known room yet, notification queued to log only", "text", text)
		return
	}
	d.send(ctx, ownerID, room, text)
}

func dollars(micros int64) string {
	return fmt.Sprintf("$%.4f", float64(micros)/1e6)
}


// redactedConfig renders the config for /export-config with secrets
// blanked.
func (d *Daemon) redactedConfig() string {
	cfg := *d.cfg
	if cfg.Matrix.Password != "" {
		cfg.Matrix.Password = "[redacted]"
	}
	if cfg.AI.APIKey != "" {
		cfg.AI.APIKey = "[redacted]"
	}
	if cfg.Semantic.PostgresURL != "" {
		cfg.Semantic.PostgresURL = "[redacted]"
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "config export failed: " + err.Error()
	}
	return string(data)
}
