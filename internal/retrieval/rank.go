package retrieval

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"
)

// rankCandidate is one document to rank against the question.
type rankCandidate struct {
	ID   string
	Text string
}

// cosineRank embeds the question and candidates and returns the cosine
// similarity of each candidate by ID. The collection lives only for this
// call.
func cosineRank(ctx context.Context, emb *Embedder, question string, cands []rankCandidate) (map[string]float64, error) {
	texts := make([]string, 0, len(cands)+1)
	texts = append(texts, question)
	for _, c := range cands {
		texts = append(texts, c.Text)
	}
	vecs, err := emb.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}

	col, err := chromem.NewDB().CreateCollection("query", nil, emb.Func())
	if err != nil {
		return nil, fmt.Errorf("creating ranking collection: %w", err)
	}
	docs := make([]chromem.Document, len(cands))
	for i, c := range cands {
		docs[i] = chromem.Document{ID: c.ID, Content: c.Text, Embedding: vecs[i+1]}
	}
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		return nil, fmt.Errorf("adding ranking documents: %w", err)
	}

	results, err := col.QueryEmbedding(ctx, vecs[0], col.Count(), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("ranking candidates: %w", err)
	}
	sims := make(map[string]float64, len(results))
	for _, r := range results {
		sims[r.ID] = float64(r.Similarity)
	}
	return sims, nil
}
