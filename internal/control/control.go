// Package control implements the local trigger/status HTTP server. External
// tooling (a tray app, a shell alias) can force a sync or update check and
// read the last cycle outcome; triggers are injected into the engine's
// serialized loop, never executed directly.
package control

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/schaermu/vaultsyncd/internal/activation"
	"github.com/schaermu/vaultsyncd/internal/config"
	"github.com/schaermu/vaultsyncd/internal/sync"
)

// signatureHeader carries the HMAC-SHA256 of the request body, hex encoded
// with a "sha256=" prefix.
const signatureHeader = "X-Vaultsyncd-Signature"

// Syncer is the engine surface the control server drives.
type Syncer interface {
	Trigger(t sync.Trigger)
	LastOutcome() (sync.Outcome, bool)
}

// Server implements the control HTTP server.
type Server struct {
	cfg    config.ControlConfig
	engine Syncer
	logger *slog.Logger
	secret []byte
}

// NewServer creates a control server, loading the shared secret from the
// configured file.
func NewServer(cfg config.ControlConfig, engine Syncer, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read control secret: %w", err)
	}
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("control secret file %s is empty", cfg.SecretFile)
	}

	return &Server{
		cfg:    cfg,
		engine: engine,
		logger: logger,
		secret: secret,
	}, nil
}

// Start serves until ctx is cancelled. A systemd-activated socket takes
// precedence over the configured listen address.
func (s *Server) Start(ctx context.Context) error {
	listener, err := s.listener()
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control server starting", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down control server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Handler returns the control endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/update", s.handleUpdate)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// listener prefers a systemd-activated socket over the configured address.
func (s *Server) listener() (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("failed to check socket activation: %w", err)
	}
	if len(listeners) > 0 {
		s.logger.Info("using systemd-activated socket")
		return listeners[0], nil
	}

	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return listener, nil
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if !s.authenticate(w, r, http.MethodPost) {
		return
	}

	s.logger.Info("sync trigger received")
	s.engine.Trigger(sync.TriggerSync)

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "sync triggered\n")
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.authenticate(w, r, http.MethodPost) {
		return
	}

	s.logger.Info("update trigger received")
	s.engine.Trigger(sync.TriggerUpdate)

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "update check triggered\n")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authenticate(w, r, http.MethodGet) {
		return
	}

	var payload struct {
		Outcome *sync.Outcome `json:"outcome"`
	}
	if out, ok := s.engine.LastOutcome(); ok {
		payload.Outcome = &out
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write status response", "error", err)
	}
}

// authenticate enforces the method and the body HMAC. It writes the error
// response itself and reports whether the handler may proceed.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		s.logger.Warn("rejecting request with wrong method", "path", r.URL.Path, "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return false
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get(signatureHeader)) {
		s.logger.Warn("rejecting request with invalid signature", "path", r.URL.Path)
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return false
	}
	return true
}

// verifySignature checks the sha256=<hex> HMAC of the request body.
func (s *Server) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}
