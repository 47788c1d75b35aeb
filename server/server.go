package server

import (
	"moor/builtins"
	"moor/db"
	"moor/eventlog"
	"moor/logging"
	"moor/metrics"
	"moor/types"
	"moor/vm"
	"moor/worker"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Server represents the MOO server
type Server struct {
	store              *db.Store
	database           *db.Database
	worldState         *db.WorldState
	wal                *db.WAL
	eventLog           *eventlog.Log
	scheduler          *Scheduler
	connManager        *ConnectionManager
	dbPath             string
	port               int
	metricsAddr        string
	workerAddr         string
	enrollmentTokenFile string
	workerRegistry     *worker.Registry
	workerDispatcher   *worker.Dispatcher
	workerHandler      *worker.Handler
	checkpointInterval time.Duration
	running            bool
	mu                 sync.Mutex
	shutdownChan       chan struct{}
	checkpointChan     chan struct{}
	ctx                context.Context
	cancel             context.CancelFunc
	log                zerolog.Logger
}

// NewServer creates a new MOO server
func NewServer(dbPath string, port int, checkpointIntervalSec int) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		dbPath:             dbPath,
		port:               port,
		checkpointInterval: time.Duration(checkpointIntervalSec) * time.Second,
		shutdownChan:       make(chan struct{}),
		checkpointChan:     make(chan struct{}),
		ctx:                ctx,
		cancel:             cancel,
		log:                logging.Component("server"),
	}, nil
}

// SetMetricsAddr configures the address the /metrics endpoint listens on
// (e.g. ":9090"). Called from cmd/moord before Start; left empty disables
// the metrics listener.
func (s *Server) SetMetricsAddr(addr string) {
	s.metricsAddr = addr
}

// LoadDatabase loads the database from disk
func (s *Server) LoadDatabase() error {
	database, err := db.LoadDatabase(s.dbPath)
	if err != nil {
		return fmt.Errorf("load database: %w", err)
	}

	s.database = database
	s.store = database.NewStoreFromDatabase()

	walPath := strings.TrimSuffix(s.dbPath, filepath.Ext(s.dbPath)) + ".wal"
	wal, err := db.OpenWAL(walPath)
	if err != nil {
		return fmt.Errorf("open WAL %s: %w", walPath, err)
	}
	if err := wal.Replay(s.store); err != nil {
		return fmt.Errorf("replay WAL %s: %w", walPath, err)
	}
	s.wal = wal
	s.worldState = db.NewWorldState(s.store, wal, 3)

	if err := s.setupEventLog(); err != nil {
		return fmt.Errorf("setup event log: %w", err)
	}

	s.scheduler = NewScheduler(s.worldState)
	s.connManager = NewConnectionManager(s, s.port)

	// Wire scheduler to connection manager for output flushing
	s.scheduler.SetConnectionManager(s.connManager)

	// Wire notify() builtin to connection manager
	builtins.SetConnectionManager(s.connManager)

	// Wire dump_database() builtin to server checkpoint
	builtins.SetDumpFunc(func() error { return s.checkpoint() })

	if s.workerAddr != "" {
		if err := s.setupWorkerRPC(); err != nil {
			return fmt.Errorf("setup worker RPC: %w", err)
		}
	}

	s.log.Info().Int("version", database.Version).Int("objects", len(database.Objects)).Msg("loaded database")
	return nil
}

// GetStore returns the object store
func (s *Server) GetStore() *db.Store {
	return s.store
}

// GetEvaluator returns the evaluator from the scheduler
func (s *Server) GetEvaluator() *vm.Evaluator {
	return s.scheduler.GetEvaluator()
}

// Start starts the server
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	// Start scheduler
	s.scheduler.Start()

	// Call #0:server_started()
	if err := s.callServerStarted(); err != nil {
		s.log.Warn().Err(err).Msg("#0:server_started() failed")
	}

	// Start listening for connections
	if err := s.connManager.Listen(); err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}

	// Set up signal handling
	go s.handleSignals()

	// Set up periodic checkpoints
	go s.checkpointLoop()

	// Set up the Prometheus scrape endpoint, if configured
	if s.metricsAddr != "" {
		go s.serveMetrics()
	}

	// Set up the worker RPC endpoint, if configured
	if s.workerAddr != "" && s.workerHandler != nil {
		go s.serveWorkerRPC()
	}

	// Main loop
	return s.mainLoop()
}

// mainLoop is the main server loop
func (s *Server) mainLoop() error {
	for {
		select {
		case <-s.ctx.Done():
			return s.shutdown()
		case <-s.checkpointChan:
			if err := s.checkpoint(); err != nil {
				s.log.Error().Err(err).Msg("checkpoint failed")
			}
		}
	}
}

// handleSignals handles OS signals
func (s *Server) handleSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		s.log.Info().Msg("received shutdown signal")
		s.Shutdown()
	case <-s.ctx.Done():
		return
	}
}

// serveMetrics runs the Prometheus scrape endpoint until the server shuts
// down. Runs on its own listener, separate from the MOO connection port.
func (s *Server) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: s.metricsAddr, Handler: mux}

	go func() {
		<-s.ctx.Done()
		srv.Close()
	}()

	s.log.Info().Str("addr", s.metricsAddr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Error().Err(err).Msg("metrics server failed")
	}
}

// checkpointLoop runs periodic checkpoints
func (s *Server) checkpointLoop() {
	if s.checkpointInterval <= 0 {
		return // Checkpointing disabled
	}
	ticker := time.NewTicker(s.checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.checkpointChan <- struct{}{}
		case <-s.ctx.Done():
			return
		}
	}
}

// checkpoint saves the database to disk
func (s *Server) checkpoint() error {
	s.log.Info().Msg("starting checkpoint")

	// Call #0:checkpoint_started()
	if err := s.callCheckpointStarted(); err != nil {
		s.log.Warn().Err(err).Msg("#0:checkpoint_started() failed")
	}

	start := time.Now()

	// Write to temp file
	tempPath := s.dbPath + ".tmp"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		s.callCheckpointFinished(false)
		return fmt.Errorf("create temp file: %w", err)
	}

	writer := db.NewWriter(tempFile, s.store)
	writer.SetTaskSource(s.scheduler) // Provide tasks for serialization
	if err := writer.WriteDatabase(); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		s.callCheckpointFinished(false)
		return fmt.Errorf("write database: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		os.Remove(tempPath)
		s.callCheckpointFinished(false)
		return fmt.Errorf("close temp file: %w", err)
	}

	// Atomic rename temp -> main database
	if err := os.Rename(tempPath, s.dbPath); err != nil {
		// On Windows, need to remove dest first
		os.Remove(s.dbPath)
		if err := os.Rename(tempPath, s.dbPath); err != nil {
			s.callCheckpointFinished(false)
			return fmt.Errorf("rename temp to main: %w", err)
		}
	}

	// The textdump above is now the durable snapshot; reset the WAL so it
	// only needs to replay commits since this point on restart.
	if err := s.wal.Checkpoint(s.store); err != nil {
		s.log.Warn().Err(err).Msg("WAL checkpoint failed")
	}

	// Call #0:checkpoint_finished(success)
	if err := s.callCheckpointFinished(true); err != nil {
		s.log.Warn().Err(err).Msg("#0:checkpoint_finished() failed")
	}

	metrics.CheckpointDurationSeconds.Observe(time.Since(start).Seconds())
	s.log.Info().Dur("elapsed", time.Since(start)).Msg("checkpoint complete")
	return nil
}

// Shutdown initiates graceful shutdown
func (s *Server) Shutdown() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.log.Info().Msg("initiating shutdown")
	s.cancel()
}

// shutdown performs the actual shutdown sequence
func (s *Server) shutdown() error {
	s.log.Info().Msg("shutting down server")

	// Call #0:shutdown_started()
	if err := s.callShutdownStarted("Server shutdown"); err != nil {
		s.log.Warn().Err(err).Msg("#0:shutdown_started() failed")
	}

	// Stop scheduler
	s.scheduler.Stop()

	// Final checkpoint (unless checkpointing was explicitly disabled)
	if s.checkpointInterval > 0 {
		s.log.Info().Msg("performing final checkpoint")
		if err := s.checkpoint(); err != nil {
			s.log.Warn().Err(err).Msg("final checkpoint failed")
		}
	} else {
		s.log.Info().Msg("final checkpoint skipped (checkpointing disabled)")
	}

	if s.wal != nil {
		if err := s.wal.Close(); err != nil {
			s.log.Warn().Err(err).Msg("WAL close failed")
		}
	}
	if s.eventLog != nil {
		if err := s.eventLog.Close(); err != nil {
			s.log.Warn().Err(err).Msg("event log close failed")
		}
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.log.Info().Msg("server shutdown complete")
	return nil
}

// Panic performs emergency shutdown
func (s *Server) Panic(message string) {
	s.log.Error().Str("message", message).Msg("PANIC")

	// Attempt emergency database dump
	s.log.Info().Msg("attempting emergency database dump")
	if err := s.checkpoint(); err != nil {
		s.log.Error().Err(err).Msg("emergency dump failed")
	}

	os.Exit(1)
}

// callSystemHook calls #0:name(args...) synchronously through the
// scheduler, which opens its own transaction for the call since these
// hooks run off the main server goroutine rather than inside a task
// (see Scheduler.CallVerb). Missing verbs are silently skipped, matching
// LambdaMOO's optional-hook convention.
func (s *Server) callSystemHook(name string, args ...types.Value) error {
	systemObj := s.store.Get(0)
	if systemObj == nil {
		return fmt.Errorf("system object not found")
	}
	if systemObj.Verbs[name] == nil {
		return nil
	}
	result := s.scheduler.CallVerb(types.ObjID(0), name, args, types.ObjID(0))
	if result.Flow == types.FlowException && result.Error != types.E_VERBNF {
		return fmt.Errorf("#0:%s raised %s", name, result.Error.String())
	}
	return nil
}

// CallOptionalHook calls #0:name(args...) if defined, silently ignoring a
// missing verb (E_VERBNF). Used for RPC-originated hooks such as
// handle_dismiss that have no other natural caller.
func (s *Server) CallOptionalHook(name string, args ...types.Value) error {
	return s.callSystemHook(name, args...)
}

// GetScheduler returns the server's scheduler, for RPC wiring.
func (s *Server) GetScheduler() *Scheduler {
	return s.scheduler
}

// GetConnManager returns the server's connection manager, for RPC wiring.
func (s *Server) GetConnManager() *ConnectionManager {
	return s.connManager
}

// Done returns a channel closed when the server begins shutting down, so
// sibling listeners (metrics, worker RPC, Host RPC) started outside
// Start()'s own goroutines can close cleanly alongside it.
func (s *Server) Done() <-chan struct{} {
	return s.ctx.Done()
}

// callServerStarted calls #0:server_started()
func (s *Server) callServerStarted() error {
	return s.callSystemHook("server_started")
}

// callCheckpointStarted calls #0:checkpoint_started()
func (s *Server) callCheckpointStarted() error {
	return s.callSystemHook("checkpoint_started")
}

// callCheckpointFinished calls #0:checkpoint_finished(success)
func (s *Server) callCheckpointFinished(success bool) error {
	return s.callSystemHook("checkpoint_finished", types.NewBool(success))
}

// callShutdownStarted calls #0:shutdown_started(message)
func (s *Server) callShutdownStarted(message string) error {
	return s.callSystemHook("shutdown_started", types.NewStr(message))
}

// DumpDatabase triggers an immediate checkpoint
func (s *Server) DumpDatabase() error {
	return s.checkpoint()
}
