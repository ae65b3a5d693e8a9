package storage

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Thread struct {
	ID             string
	UserID         string
	ProjectID      *int64
	Title          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastActivityAt time.Time
}

type Message struct {
	ID              int64
	ThreadID        string
	Role            string
	Content         string
	AttachmentsJSON *string
	Provider        string
	Model           string
	CreatedAt       time.Time
}

type Project struct {
	ID           int64
	UserID       string
	Name         string
	Instructions string
	ContextData  string
	CreatedAt    time.Time
}

type Credential struct {
	UserID    string
	Provider  string
	EncAPIKey string
	UpdatedAt time.Time
}

type AuditEntry struct {
	UserID   string
	Action   string
	MetaJSON string
}
