// Package codeindex implements the Code Index: an in-process BM25 inverted
// index over workspace files (or any other content-addressed document
// set), plus the directory-walking, file-watching, and code-type tagging
// needed to keep it populated. A mutex-guarded in-memory index with
// explicit index/search operations, term-frequency postings rather than
// embedding vectors, and line-bounded chunking for large files.
package codeindex

import (
	"sort"
	"strings"
	"sync"

	"github.com/locallama/router/internal/model"
)

// Options configures BM25 scoring and tokenization.
type Options struct {
	K1             float64
	B              float64
	MinTokenLength int
	StopWords      []string
}

// DefaultOptions returns the BM25 defaults named throughout this module:
// k1=1.5, b=0.75.
func DefaultOptions() Options {
	return Options{K1: 1.5, B: 0.75, MinTokenLength: 2, StopWords: DefaultCodeStopWords}
}

type storedDoc struct {
	doc      model.CodeDocument
	termFreq map[string]int
	length   int
	hash     string
}

// Index is a process-local, mutex-guarded BM25 inverted index. It is safe
// for concurrent use.
type Index struct {
	mu          sync.RWMutex
	docs        map[string]*storedDoc
	docFreq     map[string]int // token -> number of documents containing it
	totalLength int
	opts        Options
	stopWords   map[string]bool
}

// New constructs an empty Index.
func New(opts Options) *Index {
	return &Index{
		docs:      make(map[string]*storedDoc),
		docFreq:   make(map[string]int),
		opts:      opts,
		stopWords: newStopWordSet(opts.StopWords),
	}
}

// Index adds or replaces documents keyed by path. Idempotent per path:
// re-indexing the same path removes its old postings before adding the
// new ones, so document_count only grows on a genuinely new path.
func (idx *Index) Index(documents []model.CodeDocument) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, doc := range documents {
		idx.indexOneLocked(doc)
	}
	return nil
}

func (idx *Index) indexOneLocked(doc model.CodeDocument) {
	if existing, ok := idx.docs[doc.Path]; ok {
		idx.removeLocked(doc.Path, existing)
	}

	tokens := tokenize(doc.Content, idx.opts.MinTokenLength, idx.stopWords)
	termFreq := make(map[string]int, len(tokens))
	for _, t := range tokens {
		termFreq[t]++
	}
	for t := range termFreq {
		idx.docFreq[t]++
	}

	idx.docs[doc.Path] = &storedDoc{doc: doc, termFreq: termFreq, length: len(tokens), hash: contentHash(doc.Content)}
	idx.totalLength += len(tokens)
}

func (idx *Index) removeLocked(path string, existing *storedDoc) {
	for t := range existing.termFreq {
		idx.docFreq[t]--
		if idx.docFreq[t] <= 0 {
			delete(idx.docFreq, t)
		}
	}
	idx.totalLength -= existing.length
	delete(idx.docs, path)
}

// Document returns the stored document at path, if indexed.
func (idx *Index) Document(path string) (model.CodeDocument, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	d, ok := idx.docs[path]
	if !ok {
		return model.CodeDocument{}, false
	}
	return d.doc, true
}

// DocumentCount returns the exact number of indexed documents.
func (idx *Index) DocumentCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

// Hash returns the stored content hash for path, used by index_directory's
// force=false skip check.
func (idx *Index) Hash(path string) (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	d, ok := idx.docs[path]
	if !ok {
		return "", false
	}
	return d.hash, true
}

// Search returns the top-limit documents ranked by BM25 against query,
// ties broken by ascending path.
func (idx *Index) Search(query string, limit int) []model.SearchResult {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	terms := tokenize(query, idx.opts.MinTokenLength, idx.stopWords)
	if len(terms) == 0 || len(idx.docs) == 0 {
		return nil
	}

	avgLen := float64(idx.totalLength) / float64(len(idx.docs))

	seen := make(map[string]bool)
	var results []model.SearchResult
	for path, d := range idx.docs {
		hasTerm := false
		for _, t := range terms {
			if d.termFreq[t] > 0 {
				hasTerm = true
				break
			}
		}
		if !hasTerm || seen[path] {
			continue
		}
		seen[path] = true

		score := bm25Score(terms, d.termFreq, d.length, avgLen, idx.docFreq, len(idx.docs), idx.opts.K1, idx.opts.B)
		results = append(results, model.SearchResult{
			Path:      path,
			Content:   d.doc.Content,
			Score:     score,
			Highlight: highlight(d.doc.Content, terms),
			CodeType:  d.doc.CodeType,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Path < results[j].Path
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// highlight returns the first line of content that contains any query
// term, case-insensitively, or the first line of content if none match.
func highlight(content string, terms []string) string {
	lines := strings.Split(content, "\n")
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, t := range terms {
			if strings.Contains(lower, t) {
				return strings.TrimSpace(line)
			}
		}
	}
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0])
	}
	return ""
}
