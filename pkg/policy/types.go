package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityWarning is reported but does not block the intent.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the intent.
	SeverityError Severity = "error"
)

// Destructive actions subject to policy.
const (
	ActionVolumeRecreate          = "volume.recreate"
	ActionVolumeBackupAndRecreate = "volume.backup-and-recreate"
	ActionVolumeRestore           = "volume.restore"
)

// Policy is a named Rego module. Its deny set lists violations.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Rego        string   `json:"rego"`
	Severity    Severity `json:"severity"`
	Enabled     bool     `json:"enabled"`
	Source      string   `json:"source,omitempty"`
}

// Intent describes a destructive operation about to run. It is the input
// document of every policy.
type Intent struct {
	Action      string   `json:"action"`
	Host        string   `json:"host"`
	Volume      string   `json:"volume"`
	Project     string   `json:"project,omitempty"`
	Environment string   `json:"environment,omitempty"`
	Actor       string   `json:"actor,omitempty"`
	Force       bool     `json:"force"`
	Users       []string `json:"users,omitempty"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Decision is the combined outcome of all enabled policies.
type Decision struct {
	Allowed           bool          `json:"allowed"`
	Violations        []Violation   `json:"violations,omitempty"`
	Warnings          []Violation   `json:"warnings,omitempty"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Reason joins the blocking violation messages.
func (d *Decision) Reason() string {
	reason := ""
	for i, v := range d.Violations {
		if i > 0 {
			reason += "; "
		}
		reason += v.Message
	}
	return reason
}
