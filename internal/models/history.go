package models

import "time"

// HistoryEntry is the read-only projection of a session shown in the history
// view.
type HistoryEntry struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Type         Kind      `json:"type"`
	LastMessage  string    `json:"last_message"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HistoryExport is the document offered as a download from the history view.
type HistoryExport struct {
	ExportedAt    time.Time      `json:"exported_at"`
	TotalSessions int            `json:"total_sessions"`
	Sessions      []HistoryEntry `json:"sessions"`
}
