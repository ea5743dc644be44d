// Package inspect renders what the relay knows about one task: its assignment
// state, the eligibility results of the agents that touched it, and its
// selection-log trail.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/taskrelay/internal/capability"
	"github.com/mattjoyce/taskrelay/internal/eligibility"
	"github.com/mattjoyce/taskrelay/internal/selectionlog"
	"github.com/mattjoyce/taskrelay/internal/task"
)

// ErrTaskNotFound is returned when the task does not exist for the tenant.
var ErrTaskNotFound = errors.New("task not found")

type TaskReader interface {
	Get(ctx context.Context, tenant, id string) (*task.Task, error)
}

type LogReader interface {
	ForTask(ctx context.Context, tenant, taskID string) ([]selectionlog.Entry, error)
}

type ResultReader interface {
	Find(ctx context.Context, agentID, criterion string) (*eligibility.Result, error)
}

// Sources are the stores a report reads. Logs and Results may be nil.
type Sources struct {
	Tasks   TaskReader
	Logs    LogReader
	Results ResultReader
}

// Report is the structured JSON representation of a task report.
type Report struct {
	Tenant             string               `json:"tenant"`
	TaskID             string               `json:"task_id"`
	Status             string               `json:"status"`
	NG                 bool                 `json:"ng"`
	AssignedAgentID    string               `json:"assigned_agent_id,omitempty"`
	AssignedInstanceID string               `json:"assigned_instance_id,omitempty"`
	ValidationStarted  *time.Time           `json:"validation_started_at,omitempty"`
	Expiry             time.Time            `json:"expiry"`
	Criteria           []string             `json:"criteria,omitempty"`
	Agents             []AgentEligibility   `json:"agents,omitempty"`
	SelectionLogs      []selectionlog.Entry `json:"selection_logs"`
}

// AgentEligibility lists one agent's recorded results for the task's criteria.
type AgentEligibility struct {
	AgentID  string                `json:"agent_id"`
	Assigned bool                  `json:"assigned,omitempty"`
	Results  []*eligibility.Result `json:"results"`
}

// BuildReport renders a terminal-friendly report for a task.
func BuildReport(ctx context.Context, src Sources, tenant, taskID string) (string, error) {
	report, err := gatherReportData(ctx, src, tenant, taskID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Task Report\n")
	fmt.Fprintf(&out, "Tenant      : %s\n", report.Tenant)
	fmt.Fprintf(&out, "Task ID     : %s\n", report.TaskID)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "NG          : %t\n", report.NG)
	fmt.Fprintf(&out, "Assigned    : %s\n", renderAssignee(report))
	if report.ValidationStarted != nil {
		fmt.Fprintf(&out, "Validating  : since %s\n", report.ValidationStarted.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&out, "Expiry      : %s\n", report.Expiry.UTC().Format(time.RFC3339))
	if len(report.Criteria) == 0 {
		fmt.Fprintf(&out, "Criteria    : <none>\n")
	} else {
		fmt.Fprintf(&out, "Criteria    : %s\n", strings.Join(report.Criteria, ", "))
	}
	fmt.Fprintf(&out, "\n")

	for _, a := range report.Agents {
		marker := ""
		if a.Assigned {
			marker = " (assigned)"
		}
		fmt.Fprintf(&out, "Agent %s%s\n", a.AgentID, marker)
		for i, res := range a.Results {
			if res == nil {
				fmt.Fprintf(&out, "    %-24s <no result>\n", report.Criteria[i])
				continue
			}
			verdict := "rejected"
			if res.Validated {
				verdict = "validated"
			}
			fmt.Fprintf(&out, "    %-24s %s at %s\n", res.Criterion, verdict, res.LastUpdatedAt.UTC().Format(time.RFC3339))
		}
	}
	if len(report.Agents) > 0 {
		fmt.Fprintf(&out, "\n")
	}

	fmt.Fprintf(&out, "Selection Log\n")
	if len(report.SelectionLogs) == 0 {
		fmt.Fprintf(&out, "    <none>\n")
	}
	for _, e := range report.SelectionLogs {
		fmt.Fprintf(&out, "    %s  %-9s %s\n", e.CreatedAt.UTC().Format(time.RFC3339), e.Outcome, e.Message)
	}

	return out.String(), nil
}

// BuildJSONReport returns the machine-readable report.
func BuildJSONReport(ctx context.Context, src Sources, tenant, taskID string) (string, error) {
	report, err := gatherReportData(ctx, src, tenant, taskID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, src Sources, tenant, taskID string) (*Report, error) {
	if strings.TrimSpace(tenant) == "" || strings.TrimSpace(taskID) == "" {
		return nil, fmt.Errorf("tenant and task id are required")
	}

	t, err := src.Tasks.Get(ctx, tenant, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrTaskNotFound, tenant, taskID)
	}

	report := &Report{
		Tenant:             t.Tenant,
		TaskID:             t.ID,
		Status:             string(t.Status),
		NG:                 t.NG(),
		AssignedAgentID:    t.AssignedAgentID,
		AssignedInstanceID: t.AssignedInstanceID,
		ValidationStarted:  t.ValidationStartedAt,
		Expiry:             t.Expiry,
		Criteria:           capability.Criteria(t),
		SelectionLogs:      make([]selectionlog.Entry, 0),
	}

	if src.Results != nil && len(report.Criteria) > 0 {
		for _, agentID := range reportAgents(t) {
			a := AgentEligibility{AgentID: agentID, Assigned: agentID == t.AssignedAgentID}
			for _, criterion := range report.Criteria {
				res, err := src.Results.Find(ctx, agentID, criterion)
				if err != nil {
					return nil, fmt.Errorf("load eligibility %s/%s: %w", agentID, criterion, err)
				}
				a.Results = append(a.Results, res)
			}
			report.Agents = append(report.Agents, a)
		}
	}

	if src.Logs != nil {
		entries, err := src.Logs.ForTask(ctx, tenant, taskID)
		if err != nil {
			return nil, fmt.Errorf("load selection logs: %w", err)
		}
		report.SelectionLogs = append(report.SelectionLogs, entries...)
	}

	return report, nil
}

// reportAgents is the assignee followed by every agent asked to validate, deduplicated.
func reportAgents(t *task.Task) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	add(t.AssignedAgentID)
	for _, id := range t.ValidatingAgentIDs {
		add(id)
	}
	return out
}

func renderAssignee(r *Report) string {
	if r.AssignedAgentID == "" {
		return "<none>"
	}
	return r.AssignedAgentID + " / " + r.AssignedInstanceID
}
