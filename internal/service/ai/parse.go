package ai

import (
	"encoding/json"
	"strings"

	"questro/internal/models"
)

// maxArrayStarts bounds how many opening brackets arrayCandidates tries, so a
// reply full of stray brackets costs linear time.
const maxArrayStarts = 64

// arrayCandidates returns the balanced top-level array literals in text, in
// order of appearance. Brackets inside JSON strings are ignored.
func arrayCandidates(text string) []string {
	var out []string
	tries := 0
	for start := strings.IndexByte(text, '['); start >= 0 && tries < maxArrayStarts; tries++ {
		end := matchArray(text, start)
		if end < 0 {
			next := strings.IndexByte(text[start+1:], '[')
			if next < 0 {
				break
			}
			start += next + 1
			continue
		}
		out = append(out, text[start:end+1])
		next := strings.IndexByte(text[end+1:], '[')
		if next < 0 {
			break
		}
		start = end + 1 + next
	}
	return out
}

// matchArray returns the index of the bracket closing the one at start, or -1.
func matchArray(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// ExtractArray decodes the first array literal in text that fits into out.
func ExtractArray(text string, out any) bool {
	for _, candidate := range arrayCandidates(text) {
		if err := json.Unmarshal([]byte(candidate), out); err == nil {
			return true
		}
	}
	return false
}

type mcqWire struct {
	Question         string   `json:"question"`
	Options          []string `json:"options"`
	CorrectAnswer    *int     `json:"correct_answer"`
	CorrectAnswerAlt *int     `json:"correctAnswer"`
	Explanation      string   `json:"explanation"`
}

// ParseMCQ extracts MCQ items from a provider reply. A reply without a usable
// array becomes a single item carrying the raw text.
func ParseMCQ(raw string) []models.MCQItem {
	var wire []mcqWire
	if !ExtractArray(raw, &wire) {
		return []models.MCQItem{{
			Question:    "Generated Content",
			Options:     []string{},
			Explanation: strings.TrimSpace(raw),
		}}
	}
	items := make([]models.MCQItem, 0, len(wire))
	for _, w := range wire {
		item := models.MCQItem{
			Question:    w.Question,
			Options:     w.Options,
			Explanation: w.Explanation,
		}
		if item.Options == nil {
			item.Options = []string{}
		}
		switch {
		case w.CorrectAnswer != nil:
			item.CorrectAnswer = *w.CorrectAnswer
		case w.CorrectAnswerAlt != nil:
			item.CorrectAnswer = *w.CorrectAnswerAlt
		}
		if item.CorrectAnswer < 0 || (len(item.Options) > 0 && item.CorrectAnswer >= len(item.Options)) {
			item.CorrectAnswer = 0
		}
		items = append(items, item)
	}
	return items
}

type solutionWire struct {
	Question    string   `json:"question"`
	Steps       []string `json:"steps"`
	FinalAnswer string   `json:"final_answer"`
	Answer      string   `json:"answer"`
	Explanation string   `json:"explanation"`
}

// ParseSolutions extracts solved questions from a provider reply. A reply
// without a usable array becomes a single item carrying the raw text.
func ParseSolutions(raw string) []models.SolutionItem {
	var wire []solutionWire
	if !ExtractArray(raw, &wire) {
		return []models.SolutionItem{{
			Question:    "Image Analysis",
			Steps:       []string{strings.TrimSpace(raw)},
			FinalAnswer: "See analysis above",
			Explanation: "AI analysis of the uploaded image",
		}}
	}
	items := make([]models.SolutionItem, 0, len(wire))
	for _, w := range wire {
		item := models.SolutionItem{
			Question:    w.Question,
			Steps:       w.Steps,
			FinalAnswer: w.FinalAnswer,
			Explanation: w.Explanation,
		}
		if item.FinalAnswer == "" {
			item.FinalAnswer = w.Answer
		}
		if item.Steps == nil {
			item.Steps = []string{}
		}
		items = append(items, item)
	}
	return items
}
