package codeindex

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/locallama/router/internal/model"
	"github.com/locallama/router/internal/routererrors"
)

// WalkOptions configures index_directory.
type WalkOptions struct {
	ExcludePatterns []string // doublestar patterns matched against the path relative to root
	ChunkLines      int      // files longer than this are split on line boundaries; 0 disables chunking
	Concurrency     int      // bounded parallel file reads; <=0 defaults to 4
}

// DefaultWalkOptions mirrors the exclude list any workspace index needs by
// default: version control, dependency, and build directories.
func DefaultWalkOptions() WalkOptions {
	return WalkOptions{
		ExcludePatterns: []string{
			"**/.git/**", "**/node_modules/**", "**/vendor/**",
			"**/.idea/**", "**/.vscode/**", "**/__pycache__/**",
			"**/target/**", "**/build/**", "**/dist/**",
		},
		ChunkLines:  400,
		Concurrency: 4,
	}
}

// IndexDirectory walks root, respecting opts.ExcludePatterns, and indexes
// every matching file. When force is false, a file whose content hash
// matches what's already stored for its (possibly chunked) document ids
// is skipped entirely, avoiding re-tokenization work. Files longer than
// opts.ChunkLines are split on line boundaries into separate documents.
// Returns the number of documents (re)indexed.
func (idx *Index) IndexDirectory(ctx context.Context, root string, force bool, opts WalkOptions) (int, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return routererrors.IoError("failed to walk "+path, err)
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		if excluded(rel, opts.ExcludePatterns) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !isIndexableFile(path) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return 0, err
	}

	type chunkSet struct {
		path string
		docs []model.CodeDocument
	}

	results := make([]chunkSet, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			content, readErr := os.ReadFile(p)
			if readErr != nil {
				return routererrors.IoError("failed to read "+p, readErr)
			}

			rel, relErr := filepath.Rel(root, p)
			if relErr != nil {
				rel = p
			}

			docs := chunkFile(rel, string(content), opts.ChunkLines)
			if !force {
				unchanged := true
				for _, d := range docs {
					if existingHash, ok := idx.Hash(d.Path); !ok || existingHash != contentHash(d.Content) {
						unchanged = false
						break
					}
				}
				if unchanged {
					return nil
				}
			}

			results[i] = chunkSet{path: rel, docs: docs}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	var all []model.CodeDocument
	for _, r := range results {
		all = append(all, r.docs...)
	}
	if err := idx.Index(all); err != nil {
		return 0, err
	}
	return len(all), nil
}

func excluded(relPath string, patterns []string) bool {
	relPath = filepath.ToSlash(relPath)
	for _, pat := range patterns {
		if ok, _ := doublestar.Match(pat, relPath); ok {
			return true
		}
	}
	return false
}

var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true,
	".pdf": true, ".zip": true, ".tar": true, ".gz": true, ".exe": true,
	".so": true, ".dylib": true, ".dll": true, ".bin": true, ".woff": true,
	".woff2": true, ".ttf": true, ".eot": true,
}

func isIndexableFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return !binaryExtensions[ext]
}

// chunkFile splits content into one document when it fits within
// chunkLines, or several line-bounded documents with a "#chunkN" path
// suffix when it doesn't. chunkLines <= 0 disables chunking.
func chunkFile(path, content string, chunkLines int) []model.CodeDocument {
	lang := languageFor(path)

	if chunkLines <= 0 {
		return []model.CodeDocument{{Path: path, Content: content, Language: lang, CodeType: classifyChunk(lang, content)}}
	}

	lines := strings.Split(content, "\n")
	if len(lines) <= chunkLines {
		return []model.CodeDocument{{Path: path, Content: content, Language: lang, CodeType: classifyChunk(lang, content)}}
	}

	var docs []model.CodeDocument
	for i, n := 0, 0; i < len(lines); i += chunkLines {
		end := i + chunkLines
		if end > len(lines) {
			end = len(lines)
		}
		chunk := strings.Join(lines[i:end], "\n")
		docs = append(docs, model.CodeDocument{
			Path:     chunkPath(path, n),
			Content:  chunk,
			Language: lang,
			CodeType: classifyChunk(lang, chunk),
		})
		n++
	}
	return docs
}

func chunkPath(path string, n int) string {
	return path + "#chunk" + strconv.Itoa(n)
}

func languageFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".jsx":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".java":
		return "java"
	case ".rs":
		return "rust"
	default:
		return ""
	}
}
