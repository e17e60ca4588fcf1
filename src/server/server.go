package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"tradelink/src/connectors"
	"tradelink/src/ledger"
	"tradelink/src/model"
)

// Deps are the read-only views the status endpoints project. The server never
// mutates anything; the UI collaborator polls these while the stream feeds it
// events elsewhere.
type Deps struct {
	Connector interface{ State() connectors.State }
	Scopes    interface{ Current() (model.Scope, bool) }
	Balances  *ledger.Calculator
	Positions positionReader
	Recovery  interface{ Recovered(model.Scope) bool }
}

type positionReader interface {
	GetOpenPosition(ctx context.Context, scope model.Scope) (*model.OpenPosition, error)
}

type Server struct {
	cfg  *Config
	deps Deps
}

func New(cfg *Config, deps Deps) *Server {
	return &Server{cfg: cfg, deps: deps}
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    ":" + s.cfg.Port,
		Handler: s.router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Status server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down status server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Status server shutdown error")
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error("/healthcheck write failed")
		}
	})
	r.Get("/status/connection", s.handleConnection)
	r.Get("/status/balance", s.handleBalance)
	r.Get("/status/position", s.handlePosition)

	return r
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	current, provisional := s.deps.Scopes.Current()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":         s.deps.Connector.State(),
		"scope":         current.String(),
		"provisional":   provisional,
		"authoritative": !current.IsZero() && s.deps.Recovery.Recovered(current),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requestScope(w, r)
	if !ok {
		return
	}

	balance, err := s.deps.Balances.Balance(r.Context(), scope)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scope":   scope.String(),
		"balance": balance.InexactFloat64(),
	})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.requestScope(w, r)
	if !ok {
		return
	}

	position, err := s.deps.Positions.GetOpenPosition(r.Context(), scope)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if position == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"scope": scope.String(),
			"open":  false,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scope":    scope.String(),
		"open":     true,
		"position": position,
	})
}

// requestScope reads ?mode=&account=, falling back to the currently resolved
// scope when both are omitted.
func (s *Server) requestScope(w http.ResponseWriter, r *http.Request) (model.Scope, bool) {
	mode := r.URL.Query().Get("mode")
	account := r.URL.Query().Get("account")

	if mode == "" && account == "" {
		current, _ := s.deps.Scopes.Current()
		if current.IsZero() {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no resolved scope yet"})
			return model.Scope{}, false
		}
		return current, true
	}

	if mode == "" || account == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "mode and account are both required"})
		return model.Scope{}, false
	}

	return model.Scope{Mode: model.Mode(mode), Account: account}, true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.WithError(err).Error("Failed to encode status response")
	}
}
