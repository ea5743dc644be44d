// Package doctor reviews a loaded taskrelay configuration for settings that
// parse fine but are unlikely to behave the way the operator expects.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/taskrelay/internal/auth"
	"github.com/mattjoyce/taskrelay/internal/config"
	"github.com/mattjoyce/taskrelay/internal/storage"
)

// Below this an agent on the default heartbeat interval flaps in and out of the active set.
const minHeartbeatAge = time.Minute

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor checks a config that has already passed config.Load.
type Doctor struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.checkState(r)
	d.checkAPI(r)
	d.checkTokenScopes(r)
	d.checkDispatch(r)
	d.checkSelectionLog(r)
	d.checkLogStreaming(r)
	d.checkNATS(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) checkState(r *Result) {
	if d.cfg.State.Driver == "memory" {
		d.addWarning(r, "state", "state.driver",
			"memory driver loses every queued task on restart and cannot be shared between replicas")
	}
	if d.cfg.State.Driver == "postgres" && d.cfg.State.Path == "" {
		d.addError(r, "state", "state.path",
			"state.path is still required with postgres: agents, eligibility results and selection logs live in SQLite")
		return
	}
	if d.cfg.State.Path != "" {
		var nfsErr *storage.NetworkFilesystemError
		if err := storage.CheckLocalFilesystem(d.cfg.State.Path); errors.As(err, &nfsErr) {
			d.addError(r, "state", "state.path", nfsErr.Error())
		}
	}
}

func (d *Doctor) checkAPI(r *Result) {
	api := d.cfg.API
	if !api.Enabled {
		d.addWarning(r, "api", "api.enabled", "API disabled: agents have no way to poll for tasks")
		return
	}
	if api.Auth.APIKey == "" && len(api.Auth.Tokens) == 0 {
		d.addError(r, "api", "api.auth", "API enabled but no api_key or tokens configured; every request will be rejected")
	}
	if api.Auth.APIKey != "" && len(api.Auth.Tokens) > 0 {
		d.addWarning(r, "api", "api.auth.api_key",
			"api_key grants every scope; hand agents a scoped token instead")
	}
}

func (d *Doctor) checkTokenScopes(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	agentTokens := 0
	for i, tok := range d.cfg.API.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d].scopes", i)
		scopes := make(map[string]bool, len(tok.Scopes))
		for _, s := range tok.Scopes {
			scopes[strings.TrimSpace(s)] = true
		}
		if scopes[auth.ScopeAgent] || scopes[auth.ScopeAll] {
			agentTokens++
		}
		if scopes[auth.ScopeAgent] && (scopes[auth.ScopeAll] || scopes[auth.ScopeTasksRW] || scopes[auth.ScopeAgentsRW]) {
			d.addWarning(r, "token_scopes", field,
				"agent token also carries write scopes; an agent host holding it can enqueue tasks or re-register agents")
		}
		if scopes[auth.ScopeAll] && len(scopes) > 1 {
			d.addWarning(r, "token_scopes", field, `"*" already implies every other scope`)
		}
	}
	if agentTokens == 0 && d.cfg.API.Auth.APIKey == "" {
		d.addWarning(r, "token_scopes", "api.auth.tokens",
			`no token carries the "agent" scope; agents cannot poll`)
	}
}

func (d *Doctor) checkDispatch(r *Result) {
	ds := d.cfg.Dispatch
	if ds.MaxHeartbeatAge < minHeartbeatAge {
		d.addWarning(r, "dispatch", "dispatch.max_heartbeat_age",
			fmt.Sprintf("%s is shorter than %s; healthy agents will be treated as disconnected between heartbeats", ds.MaxHeartbeatAge, minHeartbeatAge))
	}
	if ds.EligibilityCacheTTL >= ds.BlacklistTTL {
		d.addWarning(r, "dispatch", "dispatch.eligibility_cache_ttl",
			fmt.Sprintf("cache TTL %s is not shorter than blacklist_ttl %s; results recorded by another replica stay invisible past the blacklist window", ds.EligibilityCacheTTL, ds.BlacklistTTL))
	}
	if ds.EligibilityCacheSize == 0 {
		d.addWarning(r, "dispatch", "dispatch.eligibility_cache_size",
			"size 0 uses the default; set a positive value to size the cache explicitly")
	}
}

func (d *Doctor) checkSelectionLog(r *Result) {
	sl := d.cfg.SelectionLog
	if !sl.Enabled {
		d.addWarning(r, "selection_log", "selection_log.enabled",
			"selection logs disabled: assignments leave no audit trail")
		return
	}
	if sl.Retention == 0 {
		d.addWarning(r, "selection_log", "selection_log.retention", "retention 0 keeps selection logs forever")
	}
	if sl.Retention > 0 && sl.Retention < sl.MaxAge {
		d.addError(r, "selection_log", "selection_log.retention",
			fmt.Sprintf("retention %s is shorter than max_age %s; entries could be pruned before they are flushed", sl.Retention, sl.MaxAge))
	}
	if sl.InactivityWindow > sl.MaxAge {
		d.addWarning(r, "selection_log", "selection_log.inactivity_window",
			"inactivity_window exceeds max_age and never triggers a flush")
	}
}

func (d *Doctor) checkLogStreaming(r *Result) {
	ls := d.cfg.LogStreaming
	if ls.URL == "" {
		d.addWarning(r, "log_streaming", "log_streaming.url",
			"no log streaming service; NG tasks are handed out without a streaming token")
		return
	}
	if ls.ServiceToken == "" {
		d.addError(r, "log_streaming", "log_streaming.service_token", "service_token is required when url is set")
	}
	if ls.TokenTTL > 0 && ls.TokenTTL < time.Minute {
		d.addWarning(r, "log_streaming", "log_streaming.token_ttl",
			"token_ttl under a minute means nearly every NG assignment calls the log service")
	}
}

func (d *Doctor) checkNATS(r *Result) {
	n := d.cfg.NATS
	if n.URL == "" {
		return
	}
	if n.Stream == "" {
		d.addError(r, "nats", "nats.stream", "stream is required when url is set")
	}
	if n.SubjectPrefix == "" || strings.ContainsAny(n.SubjectPrefix, "*> ") {
		d.addError(r, "nats", "nats.subject_prefix", "subject_prefix must be a literal subject without wildcards")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	writeIssues(&b, "ERROR", r.Errors)
	writeIssues(&b, "WARN ", r.Warnings)
	return b.String()
}

func writeIssues(b *strings.Builder, label string, issues []Issue) {
	for _, is := range issues {
		if is.Field != "" {
			fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, is.Category, is.Field, is.Message)
		} else {
			fmt.Fprintf(b, "  %s [%s] %s\n", label, is.Category, is.Message)
		}
	}
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
