package server

import (
	"fmt"
	"path/filepath"
	"strings"

	"moor/builtins"
	"moor/eventlog"
	"moor/types"
)

// eventLogAdapter satisfies builtins.EventLogSink by discarding the
// returned *eventlog.Entry — notify() and friends only care whether the
// write landed, not the stored record.
type eventLogAdapter struct {
	log *eventlog.Log
}

func (a eventLogAdapter) Append(player types.ObjID, payloadType, content string) error {
	_, err := a.log.Append(player, payloadType, content)
	return err
}

// setupEventLog opens the durable per-player event log (spec.md §4.7)
// alongside the WAL, using the same "derive sibling path from dbPath"
// convention as walPath in LoadDatabase.
func (s *Server) setupEventLog() error {
	evPath := strings.TrimSuffix(s.dbPath, filepath.Ext(s.dbPath)) + ".events"
	log, err := eventlog.Open(evPath)
	if err != nil {
		return fmt.Errorf("open event log %s: %w", evPath, err)
	}
	s.eventLog = log
	builtins.SetEventLog(eventLogAdapter{log: log})
	return nil
}

// GetEventLog returns the server's event log, for RPC wiring (history()).
func (s *Server) GetEventLog() *eventlog.Log {
	return s.eventLog
}
