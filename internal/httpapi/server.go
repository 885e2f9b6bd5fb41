package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/fallhelp/monitor/internal/fallhelp/store"
	"github.com/fallhelp/monitor/internal/fallhelp/types"
)

// Monitor is what the status endpoint reads from.  *live.Manager
// satisfies it.
type Monitor interface {
	State() types.ConnectionState
	LastSignal() time.Time
	Identity() (types.Identity, bool)
	SessionID() string
	Cache() store.Cache
}

type Dependencies struct {
	Logger  zerolog.Logger
	Addr    string
	Monitor Monitor
}

type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger
	mux        *http.ServeMux
	monitor    Monitor
}

func NewServer(d Dependencies) *Server {
	mux := http.NewServeMux()

	s := &Server{
		logger:  d.Logger,
		mux:     mux,
		monitor: d.Monitor,
	}

	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/devices/{id}", s.handleDevice)
	mux.HandleFunc("GET /v1/elders/{id}", s.handleElder)

	handler := loggingMiddleware(d.Logger, mux)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{
		State:      s.monitor.State(),
		SessionID:  s.monitor.SessionID(),
		ServerTime: time.Now().UTC(),
	}
	if id, ok := s.monitor.Identity(); ok {
		st.Identity = &id
	}
	if ls := s.monitor.LastSignal(); !ls.IsZero() {
		st.LastSignal = &ls
	}
	respond(w, r, http.StatusOK, st)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cache := s.monitor.Cache()

	dev, err := cache.Device(r.Context(), id)
	if err != nil {
		s.cacheError(w, "device", err)
		return
	}
	stale, err := cache.IsStale(r.Context(), store.DeviceKey(id))
	if err != nil {
		s.cacheError(w, "device", err)
		return
	}
	respond(w, r, http.StatusOK, DeviceView{Device: dev, Stale: stale})
}

func (s *Server) handleElder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cache := s.monitor.Cache()

	elder, err := cache.Elder(r.Context(), id)
	if err != nil {
		s.cacheError(w, "elder", err)
		return
	}
	events, err := cache.EventsByElder(r.Context(), id)
	if err != nil {
		s.cacheError(w, "elder", err)
		return
	}
	stale, err := cache.IsStale(r.Context(), store.EventsKey(id))
	if err != nil {
		s.cacheError(w, "elder", err)
		return
	}
	if events == nil {
		events = []types.Event{}
	}
	respond(w, r, http.StatusOK, ElderView{Elder: elder, Events: events, EventsStale: stale})
}

func (s *Server) cacheError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", what+" not cached")
		return
	}
	s.logger.Error().Err(err).Str("entity", what).Msg("cache read failed")
	writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
}
