package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ChatMessage is one turn of a chat session.
type ChatMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func (ChatMessage) RecordKind() Kind { return KindChat }

// MCQItem is a generated multiple-choice question.
type MCQItem struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correct_answer"`
	Explanation   string   `json:"explanation"`
}

func (MCQItem) RecordKind() Kind { return KindPDFMCQ }

// SolutionItem is one question found in an image together with its solution.
type SolutionItem struct {
	Question    string   `json:"question"`
	Steps       []string `json:"steps"`
	FinalAnswer string   `json:"final_answer"`
	Explanation string   `json:"explanation"`
}

func (SolutionItem) RecordKind() Kind { return KindImageSolver }
