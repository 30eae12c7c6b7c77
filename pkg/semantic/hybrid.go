package semantic

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/relay-labs/relay/pkg/store"
)

const (
	// rrfK is the smoothing constant for Reciprocal Rank Fusion
	// (Cormack et al. 2009).
	rrfK = 60
	// overFetch pulls extra candidates from each source before fusion.
	overFetch = 3
)

type fusedResult struct {
	exchangeID int64
	score      float64
}

// HybridSearch fuses vector similarity and FTS5 keyword hits over a
// sender's archive with Reciprocal Rank Fusion. Either source failing
// degrades to the other; only both failing is an error.
func HybridSearch(ctx context.Context, db *store.Store, vectors *Store, tei *TEIClient, senderID, query string, limit int) ([]store.Exchange, error) {
	queryEmbedding, err := tei.EmbedQuery(ctx, query)
	if err != nil {
		slog.Warn("query embed failed, keyword-only search", "error", err)
		return db.SearchExchanges(senderID, query, limit)
	}

	fetchLimit := limit * overFetch

	var vectorResults []SearchResult
	var keywordResults []store.Exchange
	var vectorErr, keywordErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		vectorResults, vectorErr = vectors.Search(ctx, senderID, queryEmbedding, fetchLimit)
	}()
	go func() {
		defer wg.Done()
		keywordResults, keywordErr = db.SearchExchanges(senderID, query, fetchLimit)
	}()
	wg.Wait()

	if vectorErr != nil && keywordErr != nil {
		return nil, vectorErr
	}
	if vectorErr != nil {
		slog.Warn("vector search failed, keyword-only", "error", vectorErr)
		if len(keywordResults) > limit {
			keywordResults = keywordResults[:limit]
		}
		return keywordResults, nil
	}
	if keywordErr != nil {
		slog.Warn("keyword search failed, vector-only", "error", keywordErr)
		ids := make([]int64, len(vectorResults))
		for i, r := range vectorResults {
			ids[i] = r.ExchangeID
		}
		exchanges, err := db.GetExchangesByIDs(senderID, ids)
		if err != nil {
			return nil, err
		}
		if len(exchanges) > limit {
			exchanges = exchanges[:limit]
		}
		return exchanges, nil
	}

	vectorRanked := make([]int64, len(vectorResults))
	for i, r := range vectorResults {
		vectorRanked[i] = r.ExchangeID
	}
	keywordRanked := make([]int64, len(keywordResults))
	for i, e := range keywordResults {
		keywordRanked[i] = e.ID
	}

	fused := reciprocalRankFusion([][]int64{vectorRanked, keywordRanked}, rrfK)
	if len(fused) > limit {
		fused = fused[:limit]
	}

	ids := make([]int64, len(fused))
	for i, r := range fused {
		ids[i] = r.exchangeID
	}
	return db.GetExchangesByIDs(senderID, ids)
}

// reciprocalRankFusion merges ranked id lists: score(d) = Σ 1/(k+rank).
func reciprocalRankFusion(lists [][]int64, k int) []fusedResult {
	scores := make(map[int64]float64)
	for _, list := range lists {
		for rank, id := range list {
			scores[id] += 1.0 / (float64(k) + float64(rank+1))
		}
	}

	fused := make([]fusedResult, 0, len(scores))
	for id, score := range scores {
		fused = append(fused, fusedResult{exchangeID: id, score: score})
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].score != fused[j].score {
			return fused[i].score > fused[j].score
		}
		return fused[i].exchangeID < fused[j].exchangeID
	})
	return fused
}
