package history

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rivo/uniseg"
	"golang.org/x/text/cases"

	"questro/internal/models"
)

const (
	DefaultPreviewBudget = 100
	ellipsis             = "..."
)

// Filter narrows the aggregated list. An empty Kind or "all" keeps every
// kind; an empty Query keeps every entry.
type Filter struct {
	Kind  string
	Query string
}

// Caches holds the loaded partitions of one user, keyed by kind.
type Caches map[models.Kind]map[string]*models.Session

// Aggregator merges the session partitions into the history view.
type Aggregator struct {
	budget int
}

func NewAggregator(previewBudget int) *Aggregator {
	if previewBudget <= len(ellipsis) {
		previewBudget = DefaultPreviewBudget
	}
	return &Aggregator{budget: previewBudget}
}

// Aggregate projects every non-empty session into an entry, newest first.
// The result is never nil and the inputs are not modified.
func (a *Aggregator) Aggregate(caches Caches, f Filter) []models.HistoryEntry {
	entries := make([]models.HistoryEntry, 0)
	for _, kind := range models.Kinds {
		partition := caches[kind]
		ids := make([]string, 0, len(partition))
		for id := range partition {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			s := partition[id]
			if s.RecordCount(kind) == 0 {
				continue
			}
			entries = append(entries, a.project(kind, id, s))
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
	})

	// Casers are not safe for concurrent use.
	fold := cases.Fold()
	kind := strings.TrimSpace(f.Kind)
	query := fold.String(strings.TrimSpace(f.Query))
	if (kind == "" || kind == "all") && query == "" {
		return entries
	}
	filtered := make([]models.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		if kind != "" && kind != "all" && string(e.Type) != kind {
			continue
		}
		if query != "" &&
			!strings.Contains(fold.String(e.Title), query) &&
			!strings.Contains(fold.String(e.LastMessage), query) {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}

func (a *Aggregator) project(kind models.Kind, id string, s *models.Session) models.HistoryEntry {
	e := models.HistoryEntry{
		ID:           id,
		Title:        s.Title,
		Type:         kind,
		MessageCount: s.RecordCount(kind),
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
	switch kind {
	case models.KindChat:
		e.LastMessage = a.Preview(s.Messages[len(s.Messages)-1].Content)
	case models.KindPDFMCQ:
		e.LastMessage = fmt.Sprintf("Generated %d MCQ questions", len(s.Questions))
	case models.KindImageSolver:
		last := s.Solutions[len(s.Solutions)-1]
		text := last.Explanation
		if strings.TrimSpace(text) == "" {
			text = last.FinalAnswer
		}
		if strings.TrimSpace(text) == "" {
			text = last.Question
		}
		e.LastMessage = a.Preview(text)
	}
	if strings.TrimSpace(e.Title) == "" {
		e.Title = DefaultTitle(kind, id)
	}
	return e
}

// Loader reads one partition of a user.
type Loader interface {
	Load(ctx context.Context, userID int64, kind models.Kind) map[string]*models.Session
}

// LoadAll reads every partition of the user.
func LoadAll(ctx context.Context, l Loader, userID int64) Caches {
	caches := make(Caches, len(models.Kinds))
	for _, kind := range models.Kinds {
		caches[kind] = l.Load(ctx, userID, kind)
	}
	return caches
}

// Preview shortens text to the display budget, counted in grapheme clusters
// with the ellipsis included.
func (a *Aggregator) Preview(text string) string {
	return truncate(text, a.budget)
}

func truncate(text string, budget int) string {
	if uniseg.GraphemeClusterCount(text) <= budget {
		return text
	}
	keep := budget - len(ellipsis)
	var b strings.Builder
	g := uniseg.NewGraphemes(text)
	for n := 0; n < keep && g.Next(); n++ {
		b.WriteString(g.Str())
	}
	b.WriteString(ellipsis)
	return b.String()
}

// DefaultTitle names a session that was saved without a title.
func DefaultTitle(kind models.Kind, id string) string {
	suffix := id
	if r := []rune(id); len(r) > 8 {
		suffix = string(r[len(r)-8:])
	}
	switch kind {
	case models.KindPDFMCQ:
		return "MCQ Session " + suffix
	case models.KindImageSolver:
		return "Image Solution " + suffix
	default:
		return "Chat Session " + suffix
	}
}

// Export wraps the entries into the downloadable history document.
func Export(entries []models.HistoryEntry, now time.Time) models.HistoryExport {
	if entries == nil {
		entries = make([]models.HistoryEntry, 0)
	}
	return models.HistoryExport{
		ExportedAt:    now.UTC(),
		TotalSessions: len(entries),
		Sessions:      entries,
	}
}

// ExportFileName is the attachment name offered for an export made at now.
func ExportFileName(now time.Time) string {
	return fmt.Sprintf("questro-history-%d.json", now.UnixMilli())
}
