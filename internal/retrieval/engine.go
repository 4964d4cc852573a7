// Package retrieval answers questions from a tenant's corpus with a small,
// bounded retrieval-augmented generation step.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/meirobo/internal/corpus"
	"github.com/kalambet/meirobo/internal/engine"
	"github.com/kalambet/meirobo/internal/storage"
)

// Result reasons.
const (
	ReasonOK             = "ok"
	ReasonNoDocs         = "no_docs"
	ReasonNoRelevantDocs = "no_relevant_docs"
	ReasonLLMError       = "llm_error"
	ReasonEmptyQuestion  = "empty_question"
	ReasonNoLLM          = "no_llm_available"
)

const (
	maxLoaded         = 50
	maxSelected       = 3
	maxSnippetChars   = 900
	contextSeparator  = "\n\n---\n\n"
	defaultCandidates = 8
)

// Lister is the Document Index view the engine reads.
type Lister interface {
	List(ctx context.Context, tenantID string, f corpus.Filter) ([]storage.CorpusEntry, error)
}

// UsedDoc identifies an entry that contributed context.
type UsedDoc struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Tags     []string `json:"tags"`
	Priority int      `json:"priority"`
	Score    float64  `json:"score"`
}

// Result is the outcome of a Query. Answer is empty unless Reason is ok.
type Result struct {
	Answer   string    `json:"answer,omitempty"`
	UsedDocs []UsedDoc `json:"usedDocs"`
	Context  string    `json:"context,omitempty"`
	Reason   string    `json:"reason"`
}

// Config tunes the engine. Zero values take defaults.
type Config struct {
	ChatModel     string
	MaxTokens     int
	MinSimilarity float64
	Candidates    int
	Timeout       time.Duration
}

// Engine is the mini-RAG retrieval engine.
type Engine struct {
	docs     Lister
	llm      engine.Engine
	embedder *Embedder
	cfg      Config
	logger   *slog.Logger
}

// New creates an Engine. A nil embedder ranks lexically only; a nil llm
// returns context without an answer.
func New(docs Lister, llm engine.Engine, embedder *Embedder, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 120
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = 0.55
	}
	if cfg.Candidates <= 0 {
		cfg.Candidates = defaultCandidates
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{docs: docs, llm: llm, embedder: embedder, cfg: cfg, logger: logger}
}

type scored struct {
	entry   storage.CorpusEntry
	lexical float64
	cosine  float64
	score   float64
	order   int
}

// Query answers question from the tenant's enabled entries within
// maxTokens of context. Errors are returned only when the corpus cannot be
// read; every other outcome is described by Result.Reason.
func (e *Engine) Query(ctx context.Context, tenantID, question string, maxTokens int) (Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Result{Reason: ReasonEmptyQuestion}, nil
	}
	if maxTokens <= 0 {
		maxTokens = e.cfg.MaxTokens
	}

	entries, err := e.docs.List(ctx, tenantID, corpus.Filter{EnabledOnly: true, Limit: maxLoaded})
	if err != nil {
		return Result{}, fmt.Errorf("loading corpus: %w", err)
	}
	if len(entries) == 0 {
		return Result{Reason: ReasonNoDocs}, nil
	}

	ranked := e.rank(ctx, tenantID, question, entries)
	if len(ranked) == 0 {
		return Result{Reason: ReasonNoRelevantDocs}, nil
	}

	selected, snippets := selectWithin(ranked, maxTokens)
	res := Result{UsedDocs: make([]UsedDoc, len(selected))}
	parts := make([]string, len(selected))
	for i, s := range selected {
		res.UsedDocs[i] = UsedDoc{
			ID:       s.entry.ID,
			Title:    s.entry.Title,
			Tags:     s.entry.Tags,
			Priority: s.entry.Priority,
			Score:    s.score,
		}
		parts[i] = "# " + s.entry.Title + "\n\n" + truncate(snippets[i], maxSnippetChars)
	}
	res.Context = strings.Join(parts, contextSeparator)

	if e.llm == nil {
		res.Reason = ReasonNoLLM
		return res, nil
	}

	answer, err := e.answer(ctx, question, res.Context, maxTokens)
	if err != nil {
		e.logger.Warn("retrieval answer failed", "tenant", tenantID, "docs", len(res.UsedDocs), "error", err)
		res.Reason = ReasonLLMError
		return res, nil
	}
	res.Answer = answer
	res.Reason = ReasonOK
	return res, nil
}

// rank scores entries lexically, narrows them to a few candidates and
// adds semantic similarity when embeddings are available. Only entries that
// pass the relevance bar are returned, best first.
func (e *Engine) rank(ctx context.Context, tenantID, question string, entries []storage.CorpusEntry) []scored {
	qTokens := tokenSet(question)
	qTitle := titleKey(question)
	all := make([]scored, len(entries))
	var overlapping []scored
	for i, entry := range entries {
		all[i] = scored{entry: entry, lexical: lexicalScore(qTokens, entry), order: i}
		if qTitle != "" && titleKey(entry.Title) == qTitle {
			all[i].lexical += exactTitleBonus
		}
		if all[i].lexical > 0 {
			overlapping = append(overlapping, all[i])
		}
	}

	// With no overlap the highest-priority entries still get a chance at
	// semantic matching. entries arrive in priority order.
	cands := overlapping
	if len(cands) == 0 {
		cands = all
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].lexical > cands[j].lexical })
	if len(cands) > e.cfg.Candidates {
		cands = cands[:e.cfg.Candidates]
	}

	if e.embedder != nil {
		rc := make([]rankCandidate, len(cands))
		for i, c := range cands {
			rc[i] = rankCandidate{ID: c.entry.ID, Text: c.entry.Title + "\n" + snippet(c.entry)}
		}
		sims, err := cosineRank(ctx, e.embedder, question, rc)
		if err != nil {
			e.logger.Warn("semantic ranking unavailable, using lexical scores", "tenant", tenantID, "error", err)
		} else {
			for i := range cands {
				cands[i].cosine = sims[cands[i].entry.ID]
			}
		}
	}

	var out []scored
	for _, c := range cands {
		if c.lexical > 0 || c.cosine >= e.cfg.MinSimilarity {
			c.score = c.lexical + 2*c.cosine
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].order < out[j].order
	})
	return out
}

// selectWithin takes up to three entries whose snippets fit in maxTokens.
// The best entry is always kept, truncated if it alone exceeds the budget.
func selectWithin(ranked []scored, maxTokens int) ([]scored, []string) {
	first := snippet(ranked[0].entry)
	if estimateTokens(first) > maxTokens {
		first = truncate(first, maxTokens*4)
	}
	selected := []scored{ranked[0]}
	snippets := []string{first}
	used := estimateTokens(first)

	for _, r := range ranked[1:] {
		if len(selected) == maxSelected {
			break
		}
		s := snippet(r.entry)
		if used+estimateTokens(s) > maxTokens {
			continue
		}
		used += estimateTokens(s)
		selected = append(selected, r)
		snippets = append(snippets, s)
	}
	return selected, snippets
}

const answerPrompt = `Você é o assistente interno do MEI Robô. Use SOMENTE as informações abaixo, ` +
	`que são materiais criados pelo próprio MEI, para responder de forma curta e prática à pergunta. ` +
	`Se não encontrar nada realmente útil, diga que ainda não há material suficiente para responder com segurança.`

func (e *Engine) answer(ctx context.Context, question, contextText string, maxTokens int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	user := fmt.Sprintf("CONTEÚDO DO ACERVO:\n%s\n\nPERGUNTA:\n\"\"\"%s\"\"\"\n\n"+
		"Responda em no máximo %d tokens, em português simples, direto, sem citar \"modelo de linguagem\" nem \"documento\".",
		contextText, question, maxTokens)
	out, err := e.llm.Chat(ctx, e.cfg.ChatModel, []engine.Message{
		{Role: engine.RoleSystem, Content: answerPrompt},
		{Role: engine.RoleUser, Content: user},
	}, nil)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("empty answer")
	}
	return out, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
