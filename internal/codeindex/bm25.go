package codeindex

import "math"

// bm25Score scores one document against a set of already-tokenized query
// terms, using the document's term frequencies, its length, the corpus's
// average document length, and each term's document frequency.
func bm25Score(queryTerms []string, termFreq map[string]int, docLength int, avgDocLength float64, docFreq map[string]int, totalDocs int, k1, b float64) float64 {
	if totalDocs == 0 || avgDocLength == 0 {
		return 0
	}

	var score float64
	for _, term := range queryTerms {
		tf := termFreq[term]
		if tf == 0 {
			continue
		}
		df := docFreq[term]
		idf := idf(df, totalDocs)
		norm := 1 - b + b*(float64(docLength)/avgDocLength)
		score += idf * (float64(tf) * (k1 + 1)) / (float64(tf) + k1*norm)
	}
	return score
}

// idf is the Lucene-style BM25 idf, log(1 + (N-df+0.5)/(df+0.5)), which
// stays non-negative even when a term appears in more than half the corpus.
func idf(docFreq, totalDocs int) float64 {
	return math.Log(1 + (float64(totalDocs)-float64(docFreq)+0.5)/(float64(docFreq)+0.5))
}
