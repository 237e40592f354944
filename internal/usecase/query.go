package usecase

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"medvault/internal/domain"
)

const (
	// MinQuestionLength is the boundary minimum for query text.
	MinQuestionLength = 5

	// MaxTopK bounds how many sources one query may request.
	MaxTopK = 20

	maxSourceTextLen = 500
)

// ValidateQuery enforces the caller-boundary constraints on a query.
// Core query handling assumes its inputs already passed this check.
func ValidateQuery(question string, topK int) error {
	if len(strings.TrimSpace(question)) < MinQuestionLength {
		return domain.WrapError("query.validate",
			fmt.Errorf("%w: question must be at least %d characters",
				domain.ErrValidation, MinQuestionLength))
	}
	if topK < 1 || topK > MaxTopK {
		return domain.WrapError("query.validate",
			fmt.Errorf("%w: topK must be between 1 and %d, got %d",
				domain.ErrValidation, MaxTopK, topK))
	}
	return nil
}

// Query answers a question against the active index: audit the query,
// embed it, search, audit the accessed records, and audit the outcome.
// A failure in embedding or search is paired with exactly one error
// audit entry bearing the original query ID.
func (p *Pipeline) Query(ctx context.Context, question, userID string, topK int) (domain.QueryResponse, error) {
	start := time.Now()

	idx := p.Index()
	if idx == nil {
		return domain.QueryResponse{}, domain.WrapError("query",
			fmt.Errorf("%w: no active index", domain.ErrValidation))
	}

	queryID := p.audit.LogQuery(userID, question, map[string]string{
		"top_k": strconv.Itoa(topK),
		"index": idx.Name(),
	})

	fail := func(err error) (domain.QueryResponse, error) {
		// Error messages carry kinds, IDs and lengths, never query text.
		p.audit.LogError(queryID, domain.ErrorKind(err), err.Error())
		return domain.QueryResponse{QueryID: queryID}, err
	}

	vector, err := p.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return fail(err)
	}

	results, err := p.client.Search(ctx, idx, vector, topK)
	if err != nil {
		return fail(err)
	}

	if len(results) > 0 {
		ids := make([]string, len(results))
		for i, r := range results {
			ids[i] = r.ID
		}
		p.audit.LogDataAccess(userID, ids, "view")
	}

	sources := make([]domain.QueryResult, len(results))
	for i, r := range results {
		text := cleanText(r.Text)
		r.Summary = extractSummary(text)
		if len(text) > maxSourceTextLen {
			text = text[:maxSourceTextLen]
		}
		r.Text = text
		sources[i] = r
	}

	latency := float64(time.Since(start).Microseconds()) / 1000
	p.audit.LogResponse(queryID, len(results), latency, true)

	return domain.QueryResponse{
		QueryID:   queryID,
		Answer:    synthesizeAnswer(idx.Metric(), results),
		Sources:   sources,
		LatencyMS: latency,
		Timestamp: time.Now().UTC(),
	}, nil
}

// synthesizeAnswer renders the template response over the retrieved
// sources. Clinical answer generation is a downstream model's job; the
// pipeline only reports what the encrypted search found.
func synthesizeAnswer(metric domain.Metric, results []domain.QueryResult) string {
	if len(results) == 0 {
		return "No relevant records found in the encrypted index. Try rephrasing the question."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Retrieved %d matching records from the encrypted index.\n\n", len(results))
	fmt.Fprintf(&b, "Top match score: %.3f (%s)\n", results[0].Score, metric)
	b.WriteString("Vectors stayed sealed during the search; results were decrypted in process memory only.\n")
	b.WriteString("Pair this context with a clinical language model for an actual answer.")
	return b.String()
}

var (
	nameTagRe      = regexp.MustCompile(`\[NAME_REDACTED\]\s*`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
	emptyBracketRe = regexp.MustCompile(`\[\s*\]`)

	// summaryKeywords marks lines worth surfacing in a source summary.
	summaryKeywords = []string{
		"diabetes", "hypertension", "disease", "medication",
		"treatment", "diagnosis", "patient", "condition",
	}
)

// cleanText tidies redacted text for display: leftover name tags read
// worse than their absence, so they are dropped rather than shown.
func cleanText(text string) string {
	text = nameTagRe.ReplaceAllString(text, "")
	text = whitespaceRe.ReplaceAllString(text, " ")
	text = emptyBracketRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// extractSummary pulls up to three clinically relevant lines out of a
// record, falling back to a truncated prefix.
func extractSummary(text string) string {
	var keyInfo []string
	for _, line := range strings.Split(text, "\n") {
		line = cleanText(line)
		if len(line) <= 10 {
			continue
		}
		lower := strings.ToLower(line)
		for _, word := range summaryKeywords {
			if strings.Contains(lower, word) {
				keyInfo = append(keyInfo, line)
				break
			}
		}
		if len(keyInfo) >= 3 {
			break
		}
	}
	if len(keyInfo) > 0 {
		return strings.Join(keyInfo, "; ")
	}

	clean := cleanText(text)
	if len(clean) > 200 {
		return clean[:200] + "..."
	}
	return clean
}
