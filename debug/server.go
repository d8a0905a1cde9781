package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/milk9111/roomstream/chunk"
	"github.com/milk9111/roomstream/levels"
	"github.com/milk9111/roomstream/logging"
	"github.com/milk9111/roomstream/persistence"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RoomView is one room in a debug snapshot.
type RoomView struct {
	Room      levels.RoomID `json:"room"`
	State     chunk.State   `json:"state"`
	ChangedAt time.Time     `json:"changed_at"`
	LoadedAt  *time.Time    `json:"loaded_at,omitempty"`
}

// View is the JSON shape served on /rooms and pushed over /ws. It is a
// diagnostic aid, not a stable format.
type View struct {
	Version       uint64          `json:"version"`
	Active        levels.RoomID   `json:"active"`
	Transitioning bool            `json:"transitioning"`
	Rooms         []RoomView      `json:"rooms"`
	Loaded        []levels.RoomID `json:"loaded"`
}

func NewView(snap chunk.Snapshot) View {
	v := View{
		Version:       snap.Version,
		Active:        snap.Active,
		Transitioning: snap.Transitioning,
		Loaded:        snap.Resident(),
	}
	if v.Loaded == nil {
		v.Loaded = []levels.RoomID{}
	}
	for _, r := range levels.AllRooms() {
		e := snap.Rooms[r]
		rv := RoomView{Room: r, State: e.State, ChangedAt: e.ChangedAt}
		if !e.LoadedAt.IsZero() {
			at := e.LoadedAt
			rv.LoadedAt = &at
		}
		v.Rooms = append(v.Rooms, rv)
	}
	return v
}

// LoadView is one journalled bundle load served on /rooms/{room}/loads.
type LoadView struct {
	Room       levels.RoomID `json:"room"`
	Outcome    string        `json:"outcome"`
	DurationMS int64         `json:"duration_ms"`
	At         time.Time     `json:"at"`
}

// History is the load journal, newest first.
type History interface {
	LoadHistory(ctx context.Context, room levels.RoomID, limit int) ([]persistence.LoadRecord, error)
}

const defaultHistoryLimit = 20

type Option func(*Server)

func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithGatherer serves metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// WithHistory serves the load journal. Without it /rooms/{room}/loads
// answers 404.
func WithHistory(h History) Option {
	return func(s *Server) {
		s.history = h
	}
}

// WithPollInterval sets how often /ws connections check for a new version.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.poll = d
		}
	}
}

// Server exposes views of the room store. The only write is queueing a
// dispose command, which the manager applies on its next update.
type Server struct {
	store    *chunk.Store
	history  History
	log      logging.Logger
	gatherer prometheus.Gatherer
	poll     time.Duration
	upgrader websocket.Upgrader
}

func NewServer(store *chunk.Store, opts ...Option) *Server {
	s := &Server{
		store:    store,
		log:      logging.Noop(),
		gatherer: prometheus.DefaultGatherer,
		poll:     100 * time.Millisecond,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logging.String("component", "debug"))
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rooms", s.roomsHandler)
	mux.HandleFunc("GET /rooms/{room}/loads", s.loadsHandler)
	mux.HandleFunc("POST /rooms/{room}/dispose", s.disposeHandler)
	mux.HandleFunc("/ws", s.wsHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// ListenAndServe serves Handler on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info(ctx, "debug server listening", logging.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if e := <-errc; !errors.Is(e, http.ErrServerClosed) && err == nil {
			err = e
		}
		return err
	}
}

func (s *Server) roomsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(NewView(s.store.Snapshot()))
}

func (s *Server) loadsHandler(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "no load journal", http.StatusNotFound)
		return
	}
	room, err := levels.ParseRoomID(r.PathValue("room"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := defaultHistoryLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		if limit, err = strconv.Atoi(q); err != nil || limit <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
	}

	records, err := s.history.LoadHistory(r.Context(), room, limit)
	if err != nil {
		s.log.Warn(r.Context(), "load history", logging.Room(room), logging.Err(err))
		http.Error(w, "load history unavailable", http.StatusInternalServerError)
		return
	}
	out := make([]LoadView, 0, len(records))
	for _, rec := range records {
		out = append(out, LoadView{
			Room:       rec.Room,
			Outcome:    rec.Outcome,
			DurationMS: rec.Duration.Milliseconds(),
			At:         rec.At,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) disposeHandler(w http.ResponseWriter, r *http.Request) {
	room, err := levels.ParseRoomID(r.PathValue("room"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.store.Enqueue(chunk.Command{Kind: chunk.CommandDispose, Room: room})
	s.log.Info(r.Context(), "dispose queued", logging.Room(room))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader: only there to notice the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	sent := uint64(0)
	first := true
	for {
		if v := s.store.Version(); first || v != sent {
			snap := s.store.Snapshot()
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(NewView(snap)); err != nil {
				s.log.Debug(ctx, "debug feed closed", logging.Err(err))
				return
			}
			sent, first = snap.Version, false
		}
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case <-ticker.C:
		}
	}
}
