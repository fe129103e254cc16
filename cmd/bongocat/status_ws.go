package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Status stream frames are JSON text messages: {type, ts, data}. A watcher first
// gets "state_init" with the full StatusSnapshot, then "connection_changed",
// "typing_changed" and "stats" as they happen. A watcher that cannot keep up with
// its queue is dropped; it can reconnect and get a fresh state_init.

type connectionChangedData struct {
	State string `json:"state"`
}

type typingChangedData struct {
	Typing bool    `json:"typing"`
	WPM    float64 `json:"wpm"`
}

type statsData struct {
	CPU     int `json:"cpu"`
	RAM     int `json:"ram"`
	CPUTemp int `json:"cpu_temp"`
	GPUTemp int `json:"gpu_temp"`
	WPM     int `json:"wpm"`
}

type statusEvent struct {
	Type string
	Data any
	At   time.Time
}

type statusFrame struct {
	Type string    `json:"type"`
	Ts   time.Time `json:"ts"`
	Data any       `json:"data,omitempty"`
}

func (ev statusEvent) encode() ([]byte, error) {
	ts := ev.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return json.Marshal(statusFrame{Type: ev.Type, Ts: ts, Data: ev.Data})
}

const (
	defaultWatcherQueue = 32
	statusEventQueue    = 64

	watchWriteWait  = 5 * time.Second
	watchPongWait   = 30 * time.Second
	watchPingPeriod = 20 * time.Second
)

// watcher is one connected status stream client.
type watcher struct {
	conn  *websocket.Conn
	queue chan []byte
	addr  string
	done  sync.Once
}

// finish closes the queue; the writer then sends a close frame and hangs up.
func (w *watcher) finish() {
	w.done.Do(func() { close(w.queue) })
}

// StatusServer serves the status stream and implements StatusSink. Notifications
// are queued without blocking and fanned out to watchers by Run.
type StatusServer struct {
	logger   *slog.Logger
	snapshot func() StatusSnapshot
	queueLen int
	events   chan statusEvent

	mu       sync.Mutex
	watchers map[*watcher]struct{}
	stopped  bool
}

// NewStatusServer creates a server; snapshot builds each new watcher's state_init.
// queueLen is the per-watcher backlog (0 for the default).
func NewStatusServer(logger *slog.Logger, snapshot func() StatusSnapshot, queueLen int) *StatusServer {
	if queueLen <= 0 {
		queueLen = defaultWatcherQueue
	}
	return &StatusServer{
		logger:   logger,
		snapshot: snapshot,
		queueLen: queueLen,
		events:   make(chan statusEvent, statusEventQueue),
		watchers: make(map[*watcher]struct{}),
	}
}

// Register mounts the websocket endpoint on mux.
func (s *StatusServer) Register(mux *http.ServeMux, path string) {
	mux.HandleFunc(path, s.serveWatch)
}

var upgrader = websocket.Upgrader{
	// Local tooling only; the listener defaults to loopback.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *StatusServer) serveWatch(rw http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		s.logger.Warn("status upgrade failed", "error", err)
		return
	}

	w := &watcher{conn: conn, queue: make(chan []byte, s.queueLen), addr: r.RemoteAddr}
	if s.snapshot != nil {
		if msg, err := (statusEvent{Type: "state_init", Data: s.snapshot()}).encode(); err == nil {
			w.queue <- msg
		}
	}
	if !s.attach(w) {
		_ = conn.Close()
		return
	}

	// net/http cancels r.Context() when this handler returns, so the watcher
	// lives until it hangs up, falls behind, or Run stops.
	go s.writeLoop(w)
	go s.readLoop(w)
}

func (s *StatusServer) attach(w *watcher) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.watchers[w] = struct{}{}
	s.logger.Info("status watcher connected", "remote_addr", w.addr, "watchers", len(s.watchers))
	return true
}

func (s *StatusServer) detach(w *watcher, reason string) {
	s.mu.Lock()
	_, ok := s.watchers[w]
	delete(s.watchers, w)
	n := len(s.watchers)
	s.mu.Unlock()

	if ok {
		w.finish()
		s.logger.Info("status watcher disconnected", "remote_addr", w.addr, "reason", reason, "watchers", n)
	}
}

// fanOut queues msg for every watcher, dropping those whose queue is full.
func (s *StatusServer) fanOut(msg []byte) {
	var behind []*watcher
	s.mu.Lock()
	for w := range s.watchers {
		select {
		case w.queue <- msg:
		default:
			behind = append(behind, w)
		}
	}
	s.mu.Unlock()

	for _, w := range behind {
		s.detach(w, "queue full")
	}
}

func (s *StatusServer) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for w := range s.watchers {
		w.finish()
		delete(s.watchers, w)
	}
}

// writeLoop drains the watcher's queue and keeps the connection alive with pings.
func (s *StatusServer) writeLoop(w *watcher) {
	ping := time.NewTicker(watchPingPeriod)
	defer ping.Stop()
	defer w.conn.Close()

	for {
		select {
		case msg, ok := <-w.queue:
			_ = w.conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if !ok {
				_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logHangup(w, err)
				s.detach(w, "write failed")
				return
			}

		case <-ping.C:
			_ = w.conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logHangup(w, err)
				s.detach(w, "ping failed")
				return
			}
		}
	}
}

// readLoop only processes control frames; any read error means the watcher left.
func (s *StatusServer) readLoop(w *watcher) {
	_ = w.conn.SetReadDeadline(time.Now().Add(watchPongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(watchPongWait))
	})
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			s.logHangup(w, err)
			s.detach(w, "closed")
			return
		}
	}
}

func (s *StatusServer) logHangup(w *watcher, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		s.logger.Debug("status watcher closed", "remote_addr", w.addr, "code", ce.Code, "reason", ce.Text)
		return
	}
	s.logger.Debug("status watcher connection ended", "remote_addr", w.addr, "error", err)
}

func (s *StatusServer) publish(ev statusEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("status event queue full, dropping event", "type", ev.Type)
	}
}

func (s *StatusServer) ConnectionChanged(state ConnectionState) {
	s.publish(statusEvent{Type: "connection_changed", Data: connectionChangedData{State: state.String()}})
}

func (s *StatusServer) TypingChanged(active bool, wpm float64) {
	s.publish(statusEvent{Type: "typing_changed", Data: typingChangedData{Typing: active, WPM: round1(wpm)}})
}

func (s *StatusServer) StatsPublished(snap TelemetrySnapshot, wpm int) {
	s.publish(statusEvent{Type: "stats", Data: statsData{
		CPU:     snap.CPU,
		RAM:     snap.RAM,
		CPUTemp: snap.CPUTemp,
		GPUTemp: snap.GPUTemp,
		WPM:     wpm,
	}})
}

// Run encodes queued events and fans them out until ctx is canceled, then closes
// every watcher.
func (s *StatusServer) Run(ctx context.Context) {
	defer s.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			msg, err := ev.encode()
			if err != nil {
				s.logger.Warn("status event encode failed", "type", ev.Type, "error", err)
				continue
			}
			s.fanOut(msg)
		}
	}
}
