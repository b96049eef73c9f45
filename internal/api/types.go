package api

import "time"

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 3001
)

type TaskStatus string

const (
	StatusPending     TaskStatus = "pending"
	StatusRunning     TaskStatus = "running"
	StatusCompleted   TaskStatus = "completed"
	StatusFailed      TaskStatus = "failed"
	StatusInterrupted TaskStatus = "interrupted"
	StatusRolledBack  TaskStatus = "rolled_back"
)

// IsTerminal reports whether no further execution happens for a task in this status.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusInterrupted, StatusRolledBack:
		return true
	default:
		return false
	}
}

type TaskType string

const (
	TypeCodeGeneration   TaskType = "code_generation"
	TypeCodeModification TaskType = "code_modification"
	TypeCodeAnalysis     TaskType = "code_analysis"
	TypeCustom           TaskType = "custom"
)

func (t TaskType) Valid() bool {
	switch t {
	case TypeCodeGeneration, TypeCodeModification, TypeCodeAnalysis, TypeCustom:
		return true
	default:
		return false
	}
}

type ApprovalMode string

const (
	ApprovalManual   ApprovalMode = "manual"
	ApprovalSemiAuto ApprovalMode = "semi-auto"
	ApprovalAuto     ApprovalMode = "auto"
)

func (m ApprovalMode) Valid() bool {
	switch m {
	case ApprovalManual, ApprovalSemiAuto, ApprovalAuto:
		return true
	default:
		return false
	}
}

type FileOperation string

const (
	OpCreate FileOperation = "create"
	OpModify FileOperation = "modify"
	OpDelete FileOperation = "delete"
)

func (o FileOperation) Valid() bool {
	return o == OpCreate || o == OpModify || o == OpDelete
}

type ChangeStatus string

const (
	ChangePending  ChangeStatus = "pending"
	ChangeApproved ChangeStatus = "approved"
	ChangeRejected ChangeStatus = "rejected"
)

type FileChange struct {
	Path      string        `json:"path"`
	Operation FileOperation `json:"operation"`
	Diff      string        `json:"diff,omitempty"`
	Status    ChangeStatus  `json:"status"`
}

type Task struct {
	ID           string       `json:"id"`
	Description  string       `json:"description"`
	Type         TaskType     `json:"type"`
	Status       TaskStatus   `json:"status"`
	CreatedAt    time.Time    `json:"createdAt"`
	ScheduledFor *time.Time   `json:"scheduledFor"`
	CompletedAt  *time.Time   `json:"completedAt"`
	ApprovalMode ApprovalMode `json:"approvalMode"`
	Output       string       `json:"output"`
	Changes      []FileChange `json:"changes"`
}

// Clone returns a copy that shares no mutable state with t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.ScheduledFor != nil {
		v := *t.ScheduledFor
		cp.ScheduledFor = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	cp.Changes = append([]FileChange(nil), t.Changes...)
	return &cp
}

type InteractionType string

const (
	InteractionConfirmation InteractionType = "confirmation"
	InteractionInput        InteractionType = "input"
	InteractionChoice       InteractionType = "choice"
)

func (t InteractionType) Valid() bool {
	return t == InteractionConfirmation || t == InteractionInput || t == InteractionChoice
}

type Interaction struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"taskId"`
	Type      InteractionType `json:"type"`
	Message   string          `json:"message"`
	Options   []string        `json:"options,omitempty"`
	Response  *string         `json:"response,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type CreateTaskRequest struct {
	Description  string       `json:"description"`
	Type         TaskType     `json:"type"`
	ScheduledFor *time.Time   `json:"scheduledFor,omitempty"`
	ApprovalMode ApprovalMode `json:"approvalMode,omitempty"`
}

type CreateTaskResponse struct {
	ID           string     `json:"id"`
	Status       TaskStatus `json:"status"`
	Message      string     `json:"message"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
}

// InteractRequest answers an interaction. Response is a pointer so that an
// empty answer can be told apart from a missing one.
type InteractRequest struct {
	InteractionID string  `json:"interactionId"`
	Response      *string `json:"response"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
