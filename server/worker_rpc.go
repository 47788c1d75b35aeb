package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/crypto/nacl/box"

	"moor/builtins"
	"moor/worker"
)

// SetWorkerAddr configures the address the worker RPC websocket endpoint
// listens on (e.g. ":8999"). Left empty disables worker support entirely —
// worker_request() then always fails with E_WORKER.
func (s *Server) SetWorkerAddr(addr, enrollmentTokenFile string) {
	s.workerAddr = addr
	s.enrollmentTokenFile = enrollmentTokenFile
}

// setupWorkerRPC brings up the worker registry/dispatcher and wires
// worker_request() to it. Called from LoadDatabase so the dispatcher (and
// its ping-sweep goroutine) exists before the scheduler starts running
// tasks that might call worker_request().
func (s *Server) setupWorkerRPC() error {
	token, err := loadOrCreateEnrollmentToken(s.enrollmentTokenFile)
	if err != nil {
		return fmt.Errorf("enrollment token: %w", err)
	}

	pub, _, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate daemon keypair: %w", err)
	}

	s.workerRegistry = worker.NewRegistry()
	s.workerDispatcher = worker.NewDispatcher(s.workerRegistry)
	s.workerHandler = worker.NewHandler(s.workerRegistry, s.workerDispatcher, token, hex.EncodeToString(pub[:]))

	builtins.SetWorkerDispatcher(s.workerDispatcher)
	return nil
}

// loadOrCreateEnrollmentToken reads the one-shot enrollment token workers
// present on first connect (spec.md §6.3), generating and persisting one
// if the file doesn't exist yet.
func loadOrCreateEnrollmentToken(path string) (string, error) {
	if path == "" {
		path = "enrollment.token"
	}
	if data, err := os.ReadFile(path); err == nil {
		token := string(data)
		for len(token) > 0 && (token[len(token)-1] == '\n' || token[len(token)-1] == '\r') {
			token = token[:len(token)-1]
		}
		return token, nil
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)
	if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
		return "", err
	}
	return token, nil
}

// serveWorkerRPC runs the worker websocket endpoint until the server shuts
// down, mirroring serveMetrics's own-listener pattern.
func (s *Server) serveWorkerRPC() {
	mux := http.NewServeMux()
	mux.Handle("/worker", s.workerHandler)
	srv := &http.Server{Addr: s.workerAddr, Handler: mux}

	go func() {
		<-s.ctx.Done()
		s.workerDispatcher.Stop()
		srv.Close()
	}()

	s.log.Info().Str("addr", s.workerAddr).Msg("serving worker RPC")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Error().Err(err).Msg("worker RPC server failed")
	}
}
