// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"sort"

	"github.com/AleutianAI/AleutianLineage/services/lineage/index"
)

// DefaultRRFK is the reciprocal rank fusion constant.
const DefaultRRFK = 60

// RankedDocument is one fused result. SparseRank and DenseRank are the
// 1-based positions in each input list, 0 when absent.
type RankedDocument struct {
	DocID      string            `json:"doc_id"`
	Score      float64           `json:"score"`
	SparseRank int               `json:"sparse_rank,omitempty"`
	DenseRank  int               `json:"dense_rank,omitempty"`
	Text       string            `json:"text"`
	Metadata   index.DocMetadata `json:"metadata"`
}

// rrf is 1/(k+rank) for a 1-based rank, 0 for an absent document.
func rrf(rank, k int) float64 {
	if rank <= 0 {
		return 0
	}
	return 1 / float64(k+rank)
}

// Fuse combines two ranked lists with weighted reciprocal rank fusion:
//
//	score = (1-weight)*rrf(sparseRank) + weight*rrf(denseRank)
//
// Only ranks matter, never backend scores. A doc_id repeated within one
// list keeps its best position. Results are ordered by score descending,
// then doc_id ascending, and documents whose fused score is zero are
// dropped, so weight 0 returns exactly the sparse order and weight 1
// exactly the dense order. Non-positive k uses DefaultRRFK.
func Fuse(sparse, dense []index.Hit, weight float64, k int) []RankedDocument {
	if k <= 0 {
		k = DefaultRRFK
	}
	docs := make(map[string]*RankedDocument, len(sparse)+len(dense))
	get := func(h index.Hit) *RankedDocument {
		d, ok := docs[h.DocID]
		if !ok {
			d = &RankedDocument{DocID: h.DocID, Text: h.Text, Metadata: h.Metadata}
			docs[h.DocID] = d
		}
		return d
	}
	for i, h := range sparse {
		if d := get(h); d.SparseRank == 0 {
			d.SparseRank = i + 1
		}
	}
	for i, h := range dense {
		if d := get(h); d.DenseRank == 0 {
			d.DenseRank = i + 1
		}
	}

	out := make([]RankedDocument, 0, len(docs))
	for _, d := range docs {
		d.Score = (1-weight)*rrf(d.SparseRank, k) + weight*rrf(d.DenseRank, k)
		if d.Score > 0 {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocID < out[j].DocID
	})
	return out
}
