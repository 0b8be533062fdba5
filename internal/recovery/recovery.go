// Package recovery reconciles persisted session state after a restart.
//
// Playback timers live only in memory, so any session recorded as running or
// paused when the daemon starts must have been cut off by a crash or restart.
// The startup sweep marks those rows interrupted; clients discover the
// interruption through the session listing and start a fresh session.
package recovery

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ReplayDeck/ReplayPipe/internal/models"
	"github.com/ReplayDeck/ReplayPipe/internal/store"
)

// MarkInterruptedSessions sweeps session rows left in a live status by a
// previous process and marks them interrupted. Returns the number of sessions
// reconciled.
func MarkInterruptedSessions(st store.Store) (int, error) {
	if st == nil {
		return 0, fmt.Errorf("store cannot be nil")
	}

	now := time.Now()
	var recovered int
	for _, status := range []models.SessionStatus{models.SessionStatusRunning, models.SessionStatusPaused} {
		sessions, err := st.ListSessionsByStatus(status)
		if err != nil {
			return recovered, fmt.Errorf("failed to list %s sessions: %w", status, err)
		}
		for _, sess := range sessions {
			endedAt := now
			if err := st.UpdateSessionStatus(sess.ID, models.SessionStatusInterrupted, &endedAt); err != nil {
				slog.Error("Failed to mark session interrupted", "error", err, "session_id", sess.ID, "previous_status", status)
				return recovered, fmt.Errorf("failed to mark session %s interrupted: %w", sess.ID, err)
			}
			slog.Info("Marked orphaned session interrupted", "session_id", sess.ID, "scenario_id", sess.ScenarioID, "previous_status", status)
			recovered++
		}
	}

	if recovered > 0 {
		slog.Info("Session recovery sweep complete", "recovered", recovered)
	} else {
		slog.Debug("Session recovery sweep found no orphaned sessions")
	}
	return recovered, nil
}
