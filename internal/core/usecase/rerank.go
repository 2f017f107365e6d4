package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/vetlab/catalog-search/internal/core/domain"
	"github.com/vetlab/catalog-search/internal/core/ports"
)

// Reranker turns a retrieval shortlist into the final ordered list:
// curated priority topics first, then a department filter parsed from the
// expanded query, then LLM arbitration over the survivors, with tests
// ordered before profiles.
type Reranker struct {
	llm     ChatCompleter
	store   ports.VectorStore
	rules   Rules
	metrics Metrics
	logger  *slog.Logger
}

func NewReranker(llm ChatCompleter, store ports.VectorStore, rules Rules, metrics Metrics, logger *slog.Logger) *Reranker {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reranker{llm: llm, store: store, rules: rules, metrics: metrics, logger: logger}
}

// Rerank orders the shortlist for presentation. expandedQuery is the
// abbreviation-expanded form of the user query; shortlist comes from
// dense retrieval. Never returns an error to the caller's turn: every
// failure path degrades to a usable ordering.
func (r *Reranker) Rerank(ctx context.Context, query, expandedQuery string, shortlist []domain.ScoredEntry) []domain.ScoredEntry {
	if len(shortlist) == 0 {
		return shortlist
	}

	if topic, ok := r.rules.PriorityFor(query); ok {
		if topic.Preferred {
			return r.resolvePreferred(ctx, topic, shortlist)
		}
		arbitrated := r.arbitrate(ctx, expandedQuery, shortlist)
		return promotePreferred(topic, arbitrated)
	}

	filtered := r.filterByDepartment(expandedQuery, shortlist)
	arbitrated := r.arbitrate(ctx, expandedQuery, filtered)
	arbitrated = r.applyPostFilters(query, arbitrated)
	return testsBeforeProfiles(arbitrated)
}

// resolvePreferred returns the topic's preferred codes in table order,
// bypassing the LLM. Codes missing from the shortlist are fetched by
// exact filter; unreachable codes are skipped.
func (r *Reranker) resolvePreferred(ctx context.Context, topic PriorityTopic, shortlist []domain.ScoredEntry) []domain.ScoredEntry {
	byCode := make(map[string]domain.ScoredEntry, len(shortlist))
	for _, se := range shortlist {
		byCode[NormalizeCode(se.Entry.Code)] = se
	}

	out := make([]domain.ScoredEntry, 0, len(topic.Codes))
	for _, code := range topic.Codes {
		norm := NormalizeCode(code)
		if se, ok := byCode[norm]; ok {
			out = append(out, se)
			continue
		}
		entries, err := r.store.Filter(ctx, "code", norm)
		if err != nil || len(entries) == 0 {
			r.logger.Warn("preferred code unavailable", "code", norm, "error", err)
			continue
		}
		out = append(out, entries[0])
	}
	if len(out) == 0 {
		return shortlist
	}
	return out
}

// promotePreferred moves the topic's codes to the front in table order,
// keeping the LLM's order for the rest.
func promotePreferred(topic PriorityTopic, entries []domain.ScoredEntry) []domain.ScoredEntry {
	rank := make(map[string]int, len(topic.Codes))
	for i, code := range topic.Codes {
		rank[NormalizeCode(code)] = i
	}

	sort.SliceStable(entries, func(i, j int) bool {
		ri, iOK := rank[NormalizeCode(entries[i].Entry.Code)]
		rj, jOK := rank[NormalizeCode(entries[j].Entry.Code)]
		if iOK && jOK {
			return ri < rj
		}
		return iOK && !jOK
	})
	return entries
}

// filterByDepartment keeps entries from the department named in the
// query; an emptied list reverts to the unfiltered one.
func (r *Reranker) filterByDepartment(expandedQuery string, shortlist []domain.ScoredEntry) []domain.ScoredEntry {
	department, ok := r.rules.ExtractDepartment(expandedQuery)
	if !ok {
		return shortlist
	}

	filtered := make([]domain.ScoredEntry, 0, len(shortlist))
	for _, se := range shortlist {
		if canon, known := r.rules.CanonicalDepartment(se.Entry.Department); known && canon == department {
			filtered = append(filtered, se)
		} else if NormalizeRuleKey(se.Entry.Department) == NormalizeRuleKey(department) {
			filtered = append(filtered, se)
		}
	}
	if len(filtered) == 0 {
		return shortlist
	}
	return filtered
}

const arbitrationSystemPrompt = `Ты — ассистент ветеринарной лаборатории.
Дан запрос и пронумерованный список исследований каталога.
Верни номера подходящих позиций через запятую, в порядке убывания релевантности.
Только номера, ничего больше.`

// arbitrate asks the LLM to pick and order the best subset. Parse errors
// and empty answers fall back to the retrieval top-1.
func (r *Reranker) arbitrate(ctx context.Context, query string, shortlist []domain.ScoredEntry) []domain.ScoredEntry {
	if len(shortlist) <= 1 || r.llm == nil {
		return shortlist
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Запрос: %s\n\nКандидаты:\n", query)
	for i, se := range shortlist {
		e := se.Entry
		letters := strings.TrimFunc(NormalizeCode(e.Code), func(r rune) bool { return r >= '0' && r <= '9' })
		fmt.Fprintf(&b, "%d. %s | код %s | буквы кода %s | отдел %s | биоматериал %s\n",
			i+1, e.Name, e.Code, letters, e.Department, e.Biomaterial)
	}

	raw, err := r.llm.Complete(ctx, arbitrationSystemPrompt, b.String())
	if err != nil {
		r.logger.Warn("rerank arbitration failed", "error", err)
		r.metrics.RecordRerankFallback()
		return shortlist[:1]
	}

	indices := parseIndexList(raw, len(shortlist))
	if len(indices) == 0 {
		r.logger.Warn("rerank arbitration unparseable", "response", raw)
		r.metrics.RecordRerankFallback()
		return shortlist[:1]
	}

	out := make([]domain.ScoredEntry, 0, len(indices))
	for _, idx := range indices {
		out = append(out, shortlist[idx])
	}
	return out
}

// parseIndexList extracts 1-based indices from a comma-separated LLM
// reply, dropping duplicates and out-of-range values.
func parseIndexList(raw string, n int) []int {
	seen := make(map[int]bool, n)
	var out []int
	for _, piece := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == ';'
	}) {
		idx, err := strconv.Atoi(strings.Trim(piece, "."))
		if err != nil {
			continue
		}
		idx--
		if idx < 0 || idx >= n || seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, idx)
	}
	return out
}

// The ОАМ trigger is an exclusion: a plain urinalysis query must resolve
// to AN116 only.
const (
	oamTrigger = "оам"
	oamCode    = "AN116"
)

func (r *Reranker) applyPostFilters(query string, entries []domain.ScoredEntry) []domain.ScoredEntry {
	if NormalizeRuleKey(query) != oamTrigger {
		return entries
	}
	for _, se := range entries {
		if NormalizeCode(se.Entry.Code) == oamCode {
			return []domain.ScoredEntry{se}
		}
	}
	return entries
}

// testsBeforeProfiles keeps the produced order within each kind but
// moves ordinary tests ahead of bundle profiles.
func testsBeforeProfiles(entries []domain.ScoredEntry) []domain.ScoredEntry {
	sort.SliceStable(entries, func(i, j int) bool {
		return !entries[i].Entry.IsProfile() && entries[j].Entry.IsProfile()
	})
	return entries
}
