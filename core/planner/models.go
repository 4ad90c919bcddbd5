package planner

import "time"

// SubgoalType classifies a unit of planned work.
type SubgoalType string

const (
	SubgoalDiscovery  SubgoalType = "discovery"
	SubgoalAnalysis   SubgoalType = "analysis"
	SubgoalDesign     SubgoalType = "design"
	SubgoalValidation SubgoalType = "validation"
	SubgoalExecution  SubgoalType = "execution"
	SubgoalMonitoring SubgoalType = "monitoring"
	SubgoalReporting  SubgoalType = "reporting"
)

// SubgoalStatus captures the lifecycle of a subgoal.
type SubgoalStatus string

const (
	SubgoalPending    SubgoalStatus = "pending"
	SubgoalInProgress SubgoalStatus = "in_progress"
	SubgoalCompleted  SubgoalStatus = "completed"
	SubgoalFailed     SubgoalStatus = "failed"
	SubgoalBlocked    SubgoalStatus = "blocked"
)

// TaskIntent is a user-originated request. Immutable once created.
type TaskIntent struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	IntentType  string         `json:"intent_type"`
	Context     map[string]any `json:"context,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Subgoal is a unit of work derived from a TaskIntent.
type Subgoal struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id"`
	Type        SubgoalType    `json:"type"`
	Description string         `json:"description"`
	Agent       string         `json:"agent"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	Status      SubgoalStatus  `json:"status"`
	Priority    int            `json:"priority"`
	Complexity  float64        `json:"complexity"`
	Context     map[string]any `json:"context,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// TaskPlan is the planner's output. Created once per planning call and never
// mutated; re-planning produces a new TaskPlan.
type TaskPlan struct {
	TaskID             string     `json:"task_id"`
	Subgoals           []*Subgoal `json:"subgoals"`
	ExecutionOrder     []string   `json:"execution_order"`
	Complexity         float64    `json:"complexity"`
	RequiresSimulation bool       `json:"requires_simulation"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Routing is the result of matching a subgoal against the agent catalog.
type Routing struct {
	Agent        string   `json:"agent"`
	Confidence   float64  `json:"confidence"`
	Alternatives []string `json:"alternatives,omitempty"`
}
