package db

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/arctek/awc/kanban"
)

// sanitizeQuery reduces free text to the token syntax the FTS index
// accepts: letters, digits and whitespace. Everything else becomes a space.
func sanitizeQuery(q string) string {
	var b strings.Builder
	for _, r := range q {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Search runs the free-text query against the card, document and decision
// indices and returns a ranked, de-duplicated merge tagged with source type.
// projectID narrows the scope when non-empty; limit <= 0 means 20.
func (s *Store) Search(query, projectID string, limit int) ([]kanban.SearchHit, error) {
	match := sanitizeQuery(query)
	if match == "" {
		return nil, kanban.Validationf("search query is empty after sanitising")
	}
	if limit <= 0 {
		limit = 20
	}

	var hits []kanban.SearchHit
	seen := map[string]bool{}

	collect := func(sourceType, query string, args ...any) error {
		rows, err := s.db.Query(query, args...)
		if err != nil {
			return fmt.Errorf("failed to search %ss: %w", sourceType, err)
		}
		defer rows.Close()
		for rows.Next() {
			h := kanban.SearchHit{SourceType: sourceType}
			if err := rows.Scan(&h.ID, &h.ProjectID, &h.Title, &h.Snippet, &h.Rank); err != nil {
				return err
			}
			key := sourceType + "/" + h.ID
			if seen[key] {
				continue
			}
			seen[key] = true
			hits = append(hits, h)
		}
		return rows.Err()
	}

	cardQuery := `
		SELECT c.id, c.project_id, c.title,
		       snippet(kanban_cards_fts, 2, '[', ']', '...', 12),
		       bm25(kanban_cards_fts)
		FROM kanban_cards_fts f
		JOIN kanban_cards c ON c.rowid = f.rowid
		WHERE kanban_cards_fts MATCH ?`
	cardArgs := []any{match}
	if projectID != "" {
		cardQuery += ` AND c.project_id = ?`
		cardArgs = append(cardArgs, projectID)
	}
	cardQuery += ` ORDER BY bm25(kanban_cards_fts) LIMIT ?`
	cardArgs = append(cardArgs, limit)
	if err := collect("card", cardQuery, cardArgs...); err != nil {
		return nil, err
	}

	docQuery := `
		SELECT d.id, d.project_id, d.title,
		       snippet(project_documents_fts, 2, '[', ']', '...', 12),
		       bm25(project_documents_fts)
		FROM project_documents_fts f
		JOIN project_documents d ON d.rowid = f.rowid
		WHERE project_documents_fts MATCH ?`
	docArgs := []any{match}
	if projectID != "" {
		docQuery += ` AND d.project_id = ?`
		docArgs = append(docArgs, projectID)
	}
	docQuery += ` ORDER BY bm25(project_documents_fts) LIMIT ?`
	docArgs = append(docArgs, limit)
	if err := collect("document", docQuery, docArgs...); err != nil {
		return nil, err
	}

	decisionQuery := `
		SELECT d.id, d.project_id, d.title,
		       snippet(decisions_fts, 2, '[', ']', '...', 12),
		       bm25(decisions_fts)
		FROM decisions_fts f
		JOIN decisions d ON d.rowid = f.rowid
		WHERE decisions_fts MATCH ?`
	decisionArgs := []any{match}
	if projectID != "" {
		decisionQuery += ` AND d.project_id = ?`
		decisionArgs = append(decisionArgs, projectID)
	}
	decisionQuery += ` ORDER BY bm25(decisions_fts) LIMIT ?`
	decisionArgs = append(decisionArgs, limit)
	if err := collect("decision", decisionQuery, decisionArgs...); err != nil {
		return nil, err
	}

	// bm25 scores are negative; more negative ranks higher.
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Rank < hits[j].Rank })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}
