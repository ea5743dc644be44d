package agent

import (
	"context"
	"time"
)

// Status is the registration state owned by the agent registration service.
type Status string

const (
	StatusEnabled            Status = "ENABLED"
	StatusWaitingForApproval Status = "WAITING_FOR_APPROVAL"
	StatusDeleted            Status = "DELETED"
	StatusDisabled           Status = "DISABLED"
)

// Activity is the registry's view of an agent at a point in time.
type Activity string

const (
	ActivityActive             Activity = "ACTIVE"
	ActivityDisconnected       Activity = "DISCONNECTED"
	ActivityWaitingForApproval Activity = "WAITING_FOR_APPROVAL"
	ActivityOther              Activity = "OTHER"
)

// DefaultMaxHeartbeatAge is the heartbeat interval plus slack.
const DefaultMaxHeartbeatAge = 5*time.Minute + 15*time.Second

// Snapshot is the projection of an agent record the dispatch path needs.
type Snapshot struct {
	Tenant        string    `json:"tenant"`
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	Status        Status    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// NG marks agents serving the next-gen plane.
	NG bool `json:"ng"`
}

// DisplayName returns Name, or ID when no name is set.
func (s Snapshot) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Source reads agent projections. Get returns (nil, nil) for unknown agents.
type Source interface {
	ListNonDeleted(ctx context.Context, tenant string) ([]Snapshot, error)
	Get(ctx context.Context, tenant, id string) (*Snapshot, error)
}

// Classify buckets an agent by status and heartbeat freshness.
func Classify(s Snapshot, now time.Time, maxHeartbeatAge time.Duration) Activity {
	switch s.Status {
	case StatusEnabled:
		if s.LastHeartbeat.After(now.Add(-maxHeartbeatAge)) {
			return ActivityActive
		}
		return ActivityDisconnected
	case StatusWaitingForApproval:
		return ActivityWaitingForApproval
	default:
		return ActivityOther
	}
}
