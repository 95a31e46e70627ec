package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-bidding/internal/auth"
	"github.com/example/ride-bidding/internal/dispatch"
	"github.com/example/ride-bidding/internal/engine"
	"github.com/example/ride-bidding/internal/events"
	"github.com/example/ride-bidding/internal/logging"
)

type Server struct {
	API     *engine.Engine
	Hub     *events.Hub
	Workers *dispatch.WSRegistry
	Auth    *auth.Verifier
	// Ready reports whether backing services answer; nil means always ready.
	Ready func(ctx context.Context) error
	// TrustedProxies are the peers allowed to set the client address via
	// forwarded headers. Requests from anyone else keep their socket address.
	TrustedProxies []*net.IPNet

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(api *engine.Engine, hub *events.Hub, workers *dispatch.WSRegistry, verifier *auth.Verifier, logger *slog.Logger) *Server {
	s := &Server{
		API:     api,
		Hub:     hub,
		Workers: workers,
		Auth:    verifier,
		logger:  logging.Component(logger, "http"),
		mux:     mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/requests", s.handleCreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/offers", s.handleListOffers).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/offers", s.handleSubmitOffer).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/best-offer", s.handleBestOffer).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/widen", s.handleWidenSearch).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/accept", s.handleAcceptOffer).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/status", s.handleAdvanceOrder).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/cancel", s.handleCancelOrder).Methods(http.MethodPost)
	api.HandleFunc("/offers/{id}", s.handleUpdateOffer).Methods(http.MethodPut)
	api.HandleFunc("/offers/{id}", s.handleWithdrawOffer).Methods(http.MethodDelete)
	api.HandleFunc("/workers/me/nearby-requests", s.handleNearbyRequests).Methods(http.MethodGet)

	s.mux.HandleFunc("/internal/workers/locations", s.handleWorkerLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws/orders/{id}", s.handleOrderStream).Methods(http.MethodGet)
	s.mux.HandleFunc("/ws/workers/{id}", s.handleWorkerSession).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Handler is the server behind CORS handling, as mounted by cmd/server.
// Forwarded headers are applied only to requests arriving from a trusted
// proxy, since the rate limiter keys anonymous callers by address.
func (s *Server) Handler() http.Handler {
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Request-ID"}),
		handlers.ExposedHeaders([]string{"Retry-After", "X-Request-ID"}),
	)
	direct := cors(s)
	if len(s.TrustedProxies) == 0 {
		return direct
	}
	proxied := handlers.ProxyHeaders(direct)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.trusted(r.RemoteAddr) {
			proxied.ServeHTTP(w, r)
			return
		}
		direct.ServeHTTP(w, r)
	})
}

func (s *Server) trusted(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range s.TrustedProxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
