package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// AttachmentType tells whether an attachment is an uploaded file or a link.
type AttachmentType string

const (
	AttachmentFile AttachmentType = "file"
	AttachmentLink AttachmentType = "link"
)

// Attachment describes a file or link the user referenced in a message.
type Attachment struct {
	Name string         `json:"name"`
	Type AttachmentType `json:"type"`
}

// Message is one persisted chat turn. Messages are written once and never updated.
type Message struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	Role      Role         `json:"role"`
	Content   string       `json:"content"`
	Subject   *string      `json:"subject"`
	Files     []Attachment `json:"files"`
	Timestamp time.Time    `json:"timestamp"`
}
