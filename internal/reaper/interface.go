package reaper

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_reaper.go -package=mocks github.com/mattjoyce/taskrelay/internal/reaper TaskExpirer,LogPruner

// TaskExpirer moves overdue QUEUED/STARTED tasks to EXPIRED.
type TaskExpirer interface {
	ExpireOverdue(ctx context.Context) (int, error)
}

// LogPruner deletes selection-log rows created before a cutoff.
type LogPruner interface {
	Prune(ctx context.Context, before time.Time) (int, error)
}
