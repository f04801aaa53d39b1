// Package state persists job snapshots and task outcomes so a crashed run
// can be detected and reported after restart.
package state

import (
	"context"
	"errors"
	"strings"

	logx "batchkit/pkg/logx"
)

// Store is the minimal persistence API used by the job manager.
type Store interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSnapshot(ctx context.Context) (Snapshot, bool, error)
	AppendOutcome(ctx context.Context, rec OutcomeRecord) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if persistence is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown state driver: " + driver)
	}
}

const abnormalTerminationReason = "abnormal termination"

// Restore reclassifies jobs still marked active in a prior snapshot.
//
// In-memory task state cannot be trusted after a crash, so active jobs are
// never resumed: each becomes a failed history entry with an explicit reason.
// The returned history is the prior history plus the reclassified entries;
// the second value holds only the reclassified ones (for alerting).
func Restore(snap Snapshot) (history, abnormal []HistoryEntry) {
	history = append(history, snap.History...)
	for _, j := range snap.Active {
		e := HistoryEntry{
			ID:             j.ID,
			Kind:           j.Kind,
			Status:         "failed",
			TotalTasks:     j.TotalTasks,
			CompletedTasks: j.CompletedTasks,
			FailedTasks:    j.FailedTasks,
			SkippedTasks:   j.SkippedTasks,
			StartTime:      j.StartTime,
			EndTime:        snap.SavedAt,
			Reason:         abnormalTerminationReason,
		}
		history = append(history, e)
		abnormal = append(abnormal, e)
	}
	return history, abnormal
}
