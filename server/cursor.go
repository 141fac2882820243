package server

import (
	"log/slog"

	"github.com/granitedb/granite/model"
)

// scannerPeer is the server-side holder of one open cursor. It is owned by
// the session that opened it; the client-chosen id is a lookup key only.
type scannerPeer struct {
	id      string
	scanner model.DataScanner
}

func newScannerPeer(id string, scanner model.DataScanner) *scannerPeer {
	return &scannerPeer{id: id, scanner: scanner}
}

// clientClose closes the cursor on explicit client request.
func (s *scannerPeer) clientClose() {
	if err := s.scanner.Close(); err != nil {
		slog.Debug("Error closing scanner on client request.", "scanner", s.id, "error", err)
	}
}

// close releases the cursor at exhaustion or session teardown.
func (s *scannerPeer) close() {
	if err := s.scanner.Close(); err != nil {
		slog.Debug("Error closing scanner.", "scanner", s.id, "error", err)
	}
}
