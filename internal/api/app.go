package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"

	"github.com/campushub/chat-relay/internal/auth"
	"github.com/campushub/chat-relay/internal/config"
	"github.com/campushub/chat-relay/internal/files"
	"github.com/campushub/chat-relay/internal/gateway"
	"github.com/campushub/chat-relay/internal/stats"
	"github.com/campushub/chat-relay/internal/store"
)

type contextKey string

const identityKey contextKey = "identity"

// RelayApp wires the HTTP surface: websocket handshake, the
// conversation and message endpoints, and health.
type RelayApp struct {
	log        *log.Logger
	db         store.RelayRepository
	gateway    *gateway.Gateway
	validator  *auth.Validator
	files      files.Resolver
	stats      stats.StatsProvider
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

func NewRelayApp(
	mux *http.ServeMux,
	logger *log.Logger,
	gw *gateway.Gateway,
	db store.RelayRepository,
	validator *auth.Validator,
	fr files.Resolver,
	su stats.StatsProvider,
	cfg *config.Config,
) *RelayApp {
	app := &RelayApp{
		log:       logger,
		db:        db,
		gateway:   gw,
		validator: validator,
		files:     fr,
		stats:     su,
	}

	app.upgrader = newUpgrader(cfg.AllowedOrigins)

	mux.HandleFunc("GET /healthz", app.healthz)
	mux.HandleFunc("GET /ws", app.serveWs)
	mux.HandleFunc("GET /ws/{room}", app.serveWs)
	mux.Handle("GET /api/conversations", app.authenticate(http.HandlerFunc(app.listConversations)))
	mux.Handle("POST /api/conversations", app.authenticate(http.HandlerFunc(app.createConversation)))
	mux.Handle("GET /api/messages", app.authenticate(http.HandlerFunc(app.listMessages)))

	handler := handlers.CORS(
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)(app.errorHandler(mux))

	app.httpServer = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: handler,
	}

	return app
}

func (s *RelayApp) Start() error {
	s.log.Printf("listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *RelayApp) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// errorHandler recovers panics from downstream handlers and converts
// them into a 500 response.
func (s *RelayApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.log.Printf("panic serving %s %s: %v", r.Method, r.URL.Path, err)
				s.writeError(w, NewInternalServerError(nil))
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// authenticate validates the bearer credential on REST requests and
// stores the resulting identity in the request context.
func (s *RelayApp) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := bearerToken(r)
		if credential == "" {
			s.writeError(w, NewUnauthorizedError())
			return
		}

		identity, err := s.validator.Validate(credential)
		if err != nil {
			s.log.Printf("rejected credential: %s", err)
			s.writeError(w, NewUnauthorizedError())
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}

	return r.URL.Query().Get("token")
}

func (s *RelayApp) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("failed to encode response: %s", err)
	}
}

func (s *RelayApp) writeError(w http.ResponseWriter, apiErr *ApiError) {
	if apiErr.Err != nil {
		s.log.Printf("%s", apiErr.Error())
	}

	s.writeJSON(w, apiErr.StatusCode, apiErr)
}
