package model

import "time"

// StepType distinguishes human-decided steps from engine-resolved ones.
type StepType string

// Step types.
const (
	StepTypeApproval StepType = "approval"
	StepTypeAuto     StepType = "auto"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	return t == StepTypeApproval || t == StepTypeAuto
}

// Workflow instance status constants.
const (
	InstanceStatusPending   = "pending"
	InstanceStatusRunning   = "running"
	InstanceStatusCompleted = "completed"
	InstanceStatusRejected  = "rejected"
	InstanceStatusCancelled = "cancelled"
)

// IsTerminalStatus reports whether no transition is legal out of status.
func IsTerminalStatus(status string) bool {
	switch status {
	case InstanceStatusCompleted, InstanceStatusRejected, InstanceStatusCancelled:
		return true
	}
	return false
}

// Decision actions recorded in Approval rows.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// Log action tags.
const (
	LogActionCreate   = "create"
	LogActionSubmit   = "submit"
	LogActionApprove  = "approve"
	LogActionReject   = "reject"
	LogActionAuto     = "auto"
	LogActionComplete = "complete"
	LogActionCancel   = "cancel"
)

// Log entry origins.
const (
	OriginRequest  = "request"
	OriginRecovery = "recovery"
)

// Template is a versioned, named workflow definition.
type Template struct {
	ID          string    `yaml:"id"          json:"id"`
	Name        string    `yaml:"name"        json:"name"`
	Description string    `yaml:"description" json:"description,omitempty"`
	Steps       []Step    `yaml:"steps"       json:"steps"`
	Active      bool      `yaml:"active"      json:"active"`
	Version     int       `yaml:"-"           json:"version"`
	CreatedBy   string    `yaml:"created_by"  json:"created_by,omitempty"`
	CreatedAt   time.Time `yaml:"-"           json:"created_at"`
	UpdatedAt   time.Time `yaml:"-"           json:"updated_at"`
}

// Step is a node of the workflow graph.
type Step struct {
	ID             string       `yaml:"id"              json:"id"`
	Name           string       `yaml:"name"            json:"name,omitempty"`
	Type           StepType     `yaml:"type"            json:"type"`
	Transitions    []Transition `yaml:"transitions"     json:"transitions,omitempty"`
	Approvers      ApproverRule `yaml:"approvers"       json:"approvers"`
	FileOperations []string     `yaml:"file_operations" json:"file_operations,omitempty"`
}

// DisplayName returns the step name, falling back to its id.
func (s Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Transition is a directed, optionally guarded edge to Target. An empty
// Condition always matches.
type Transition struct {
	Target    string `yaml:"target"    json:"target"`
	Condition string `yaml:"condition" json:"condition,omitempty"`
}

// ApproverRule lists who may decide an approval step.
type ApproverRule struct {
	Users             []string `yaml:"users"              json:"users,omitempty"`
	Roles             []string `yaml:"roles"              json:"roles,omitempty"`
	DepartmentManager bool     `yaml:"department_manager" json:"department_manager,omitempty"`
}

// IsEmpty reports whether the rule grants nobody.
func (r ApproverRule) IsEmpty() bool {
	return len(r.Users) == 0 && len(r.Roles) == 0 && !r.DepartmentManager
}

// Instance is one execution of a Template against business data.
// CurrentStep is non-nil iff Status is running.
type Instance struct {
	ID              string         `json:"id"`
	TemplateID      string         `json:"template_id"`
	TemplateVersion int            `json:"template_version"`
	Title           string         `json:"title"`
	Data            map[string]any `json:"data,omitempty"`
	CurrentStep     *string        `json:"current_step"`
	Status          string         `json:"status"`
	CreatedBy       string         `json:"created_by"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	Version         int            `json:"version"`
}

// CurrentStepID returns the current step id or "" when not running.
func (i Instance) CurrentStepID() string {
	if i.CurrentStep == nil {
		return ""
	}
	return *i.CurrentStep
}

// Approval is an immutable record of one human decision.
type Approval struct {
	ID              string    `json:"id"`
	InstanceID      string    `json:"instance_id"`
	StepID          string    `json:"step_id"`
	ActorID         string    `json:"actor_id"`
	Action          string    `json:"action"`
	Comment         string    `json:"comment,omitempty"`
	InstanceVersion int       `json:"instance_version"`
	CreatedAt       time.Time `json:"created_at"`
}

// LogEntry is one append-only audit record. ActorID is nil for system and
// automatic actions.
type LogEntry struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	ActorID    *string   `json:"actor_id,omitempty"`
	Action     string    `json:"action"`
	StepID     *string   `json:"step_id,omitempty"`
	Message    string    `json:"message,omitempty"`
	Origin     string    `json:"origin"`
	CreatedAt  time.Time `json:"created_at"`
}

// HistoryEntry is a log entry projected for timeline display.
type HistoryEntry struct {
	ID        string    `json:"id"`
	ActorID   *string   `json:"actor_id,omitempty"`
	Username  string    `json:"username"`
	Action    string    `json:"action"`
	StepID    *string   `json:"step_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Origin    string    `json:"origin"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is a running instance waiting on a decision the actor may take.
type Task struct {
	InstanceID   string    `json:"instance_id"`
	Title        string    `json:"title"`
	TemplateName string    `json:"template_name"`
	CreatorName  string    `json:"creator_name"`
	CurrentStep  string    `json:"current_step"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
