package domain

type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Tier      string `json:"tier" enum:"free,pro,team,enterprise"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Ticket struct {
	ID              string  `json:"id"`
	ProjectID       string  `json:"project_id"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	Status          string  `json:"status" enum:"backlog,analyzing,building,building-done,testing,done"`
	PhaseID         string  `json:"phase_id"`
	PreviousPhaseID *string `json:"previous_phase_id,omitempty"`
	Priority        string  `json:"priority" enum:"CRITICAL,HIGH,MEDIUM,LOW"`
	IsBlocked       bool    `json:"is_blocked"`
	BlockedReason   *string `json:"blocked_reason,omitempty"`
	BlockedAt       *string `json:"blocked_at,omitempty" format:"date-time"`
	ContextJSON     string  `json:"context_json,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID                   string   `json:"id"`
	TicketID             string   `json:"ticket_id"`
	PhaseID              string   `json:"phase_id"`
	TaskType             string   `json:"task_type"`
	Title                string   `json:"title"`
	Description          string   `json:"description,omitempty"`
	Status               string   `json:"status" enum:"pending,claiming,assigned,running,pending_validation,validating,completed,failed"`
	Priority             string   `json:"priority" enum:"CRITICAL,HIGH,MEDIUM,LOW"`
	Score                float64  `json:"score"`
	Dependencies         []string `json:"dependencies,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	ExecutorID           *string  `json:"executor_id,omitempty"`
	RetryCount           int      `json:"retry_count"`
	MaxRetries           int      `json:"max_retries"`
	TimeoutSeconds       *int     `json:"timeout_seconds,omitempty"`
	ResultJSON           *string  `json:"result_json,omitempty"`
	ErrorMessage         *string  `json:"error_message,omitempty"`
	StartedAt            *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt          *string  `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt            string   `json:"created_at" format:"date-time"`
	UpdatedAt            string   `json:"updated_at" format:"date-time"`
}

// PhaseArtifact is an evidence document attached to a ticket for one phase,
// e.g. a requirements document or a test report. Content is a JSON object.
type PhaseArtifact struct {
	ID          string `json:"id"`
	TicketID    string `json:"ticket_id"`
	PhaseID     string `json:"phase_id"`
	Kind        string `json:"kind"`
	Path        string `json:"path,omitempty"`
	ContentJSON string `json:"content_json"`
	CreatedBy   string `json:"created_by"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type GateResult struct {
	ID             string `json:"id"`
	TicketID       string `json:"ticket_id"`
	PhaseID        string `json:"phase_id"`
	Passed         bool   `json:"passed"`
	Strictness     string `json:"strictness" enum:"strict,lenient,bypass"`
	ValidationJSON string `json:"validation_json"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type PhaseHistory struct {
	ID          string  `json:"id"`
	TicketID    string  `json:"ticket_id"`
	FromStatus  *string `json:"from_status,omitempty"`
	ToStatus    string  `json:"to_status"`
	FromPhaseID *string `json:"from_phase_id,omitempty"`
	ToPhaseID   string  `json:"to_phase_id"`
	InitiatedBy string  `json:"initiated_by"`
	Reason      string  `json:"reason,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// ResourceLock is an advisory lock on a shared resource (a file path, a
// service name) held by one task at a time. Version increments on every
// acquire so waiters can detect churn.
type ResourceLock struct {
	ResourceKey string  `json:"resource_key"`
	ProjectID   string  `json:"project_id"`
	HolderTask  *string `json:"holder_task,omitempty"`
	Version     int64   `json:"version"`
	AcquiredAt  *string `json:"acquired_at,omitempty" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Regression records one testing->building bounce, kept in the ticket
// context under "regressions".
type Regression struct {
	FromStatus  string `json:"from_status"`
	ToStatus    string `json:"to_status"`
	Feedback    string `json:"feedback,omitempty"`
	InitiatedBy string `json:"initiated_by"`
	At          string `json:"at" format:"date-time"`
}
