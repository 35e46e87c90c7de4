// Package bm25 implements the shared tokenizer and BM25 scoring function
// used by both ingest-time indexing and query-time retrieval, so the two
// stay lexically consistent.
package bm25

import (
	"math"
	"strings"
)

const (
	k1 = 1.2
	b  = 0.75
)

// Tokenize lowercases text and splits on runs of non-alphanumeric
// characters, dropping empty tokens. Stable across ingest and query.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		return !isAlnum
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// Corpus is the minimal statistics BM25 needs over a tenant's tokenized
// claims: document frequency per token and average document length.
type Corpus struct {
	DocFreq    map[string]int
	TotalDocs  int
	AvgDocLen  float64
}

// Score computes the BM25 score of queryTokens against one document's
// tokens, using this corpus's document-frequency table and average
// document length.
func (c *Corpus) Score(queryTokens, docTokens []string) float64 {
	if c.TotalDocs == 0 || len(docTokens) == 0 || len(queryTokens) == 0 {
		return 0
	}
	termFreq := make(map[string]int, len(docTokens))
	for _, t := range docTokens {
		termFreq[t]++
	}
	docLen := float64(len(docTokens))
	avgDL := c.AvgDocLen
	if avgDL <= 0 {
		avgDL = docLen
	}

	var score float64
	seen := make(map[string]bool, len(queryTokens))
	for _, qt := range queryTokens {
		if seen[qt] {
			continue
		}
		seen[qt] = true
		tf := float64(termFreq[qt])
		if tf == 0 {
			continue
		}
		df := float64(c.DocFreq[qt])
		if df == 0 {
			df = 1
		}
		idf := idfWeight(float64(c.TotalDocs), df)
		num := tf * (k1 + 1)
		den := tf + k1*(1-b+b*(docLen/avgDL))
		score += idf * (num / den)
	}
	return score
}

func idfWeight(n, df float64) float64 {
	x := (n-df+0.5)/(df+0.5) + 1
	if x < 1 {
		x = 1
	}
	return math.Log(x)
}
