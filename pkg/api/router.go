package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/marmos91/dittobus/internal/logger"
	"github.com/marmos91/dittobus/pkg/broker"
)

// NamespaceView is the wire shape of one namespace.
type NamespaceView struct {
	ID      uint64    `json:"id"`
	Name    string    `json:"name,omitempty"`
	Devpath string    `json:"devpath"`
	Buses   []BusView `json:"buses"`
}

// BusView is the wire shape of one bus.
type BusView struct {
	ID          uint64           `json:"id"`
	Name        string           `json:"name"`
	BloomSize   uint64           `json:"bloom_size"`
	Connections []ConnectionView `json:"connections"`
	Names       []NameView       `json:"names"`
}

// ConnectionView is the wire shape of one connection.
type ConnectionView struct {
	ID         uint64   `json:"id"`
	Label      string   `json:"label,omitempty"`
	AttachMask uint64   `json:"attach_mask"`
	Names      []string `json:"names,omitempty"`
	PoolSize   uint64   `json:"pool_size"`
	PoolUsed   uint64   `json:"pool_used"`
}

// NameView is the wire shape of one well-known-name entry.
type NameView struct {
	Name   string `json:"name"`
	Owner  uint64 `json:"owner"`
	Queued int    `json:"queued"`
}

// NewRouter builds the chi router over the broker subsystem.
//
// Routes:
//   - GET /health - liveness probe
//   - GET /api/v1/namespaces - namespace list with nested buses
func NewRouter(sub *broker.Subsystem) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		JSON(w, http.StatusOK, OKResponse(nil))
	})

	h := &handlers{sub: sub}
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/namespaces", h.listNamespaces)
	})

	return r
}

// requestID assigns a correlation id to each request, surfaced in logs
// and the X-Request-Id header.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		ctx := logger.WithContext(r.Context(), &logger.LogContext{
			RequestID: id,
			StartTime: time.Now(),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogger logs one line per request through the internal logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.DebugCtx(r.Context(), "api request",
			"method", r.Method,
			"path", r.URL.Path,
			logger.KeyStatus, ww.Status(),
			"duration_ms", logger.Duration(start))
	})
}

type handlers struct {
	sub *broker.Subsystem
}

// listNamespaces renders the whole broker graph.
func (h *handlers) listNamespaces(w http.ResponseWriter, _ *http.Request) {
	namespaces := h.sub.Namespaces()
	out := make([]NamespaceView, 0, len(namespaces))
	for _, ns := range namespaces {
		out = append(out, namespaceView(ns))
	}
	JSON(w, http.StatusOK, OKResponse(out))
}

func namespaceView(ns *broker.Namespace) NamespaceView {
	v := NamespaceView{
		ID:      ns.ID(),
		Name:    ns.Name(),
		Devpath: ns.Devpath(),
		Buses:   []BusView{},
	}
	for _, b := range ns.Buses() {
		v.Buses = append(v.Buses, busView(b))
	}
	return v
}

func busView(b *broker.Bus) BusView {
	v := BusView{
		ID:          b.ID(),
		Name:        b.Name(),
		BloomSize:   b.BloomSize(),
		Connections: []ConnectionView{},
		Names:       []NameView{},
	}
	for _, c := range b.Connections() {
		info := c.Info()
		v.Connections = append(v.Connections, ConnectionView{
			ID:         info.ID,
			Label:      info.Label,
			AttachMask: info.AttachMask,
			Names:      info.Names,
			PoolSize:   c.Pool().Size(),
			PoolUsed:   c.Pool().Used(),
		})
	}
	for _, e := range b.Registry().List() {
		v.Names = append(v.Names, NameView{
			Name:   e.Name,
			Owner:  e.Owner.ID(),
			Queued: e.Queued,
		})
	}
	return v
}
