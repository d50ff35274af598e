package codeindex

import (
	"context"
	"regexp"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"

	"github.com/locallama/router/internal/logging"
	"github.com/locallama/router/internal/model"
)

// goParserPool pools Tree-sitter parsers for Go: a *sitter.Parser isn't
// safe for concurrent use, so IndexDirectory's parallel readers each
// borrow one.
var goParserPool = sync.Pool{
	New: func() any {
		p := sitter.NewParser()
		p.SetLanguage(golang.GetLanguage())
		return p
	},
}

var treeSitterFallbackWarnOnce sync.Once

// classifyChunk tags a chunk with the predominant CodeType it contains.
// Go chunks are classified via Tree-sitter's AST; every other language
// falls back to the regex heuristic, since this module only bundles the
// Go grammar. A grammar's absence never fails indexing: the chunk is
// still stored, just without a precise tag.
func classifyChunk(language, content string) model.CodeType {
	if language == "go" {
		if ct, ok := classifyGoChunk(content); ok {
			return ct
		}
		treeSitterFallbackWarnOnce.Do(func() {
			logging.Warn("go tree-sitter parse failed, falling back to regex code-type heuristic")
		})
	}
	return classifyByRegex(content)
}

func classifyGoChunk(content string) (model.CodeType, bool) {
	parserObj := goParserPool.Get()
	parser, ok := parserObj.(*sitter.Parser)
	if !ok {
		return "", false
	}
	defer goParserPool.Put(parser)

	tree, err := parser.ParseCtx(context.Background(), nil, []byte(content))
	if err != nil || tree == nil {
		return "", false
	}
	root := tree.RootNode()
	if root == nil {
		return "", false
	}

	var hasFunc, hasMethod, hasType bool
	for i := 0; i < int(root.ChildCount()); i++ {
		child := root.Child(i)
		switch child.Type() {
		case "function_declaration":
			hasFunc = true
		case "method_declaration":
			hasMethod = true
		case "type_declaration":
			hasType = true
		}
	}

	switch {
	case hasMethod:
		return model.CodeMethod, true
	case hasType:
		return model.CodeClass, true
	case hasFunc:
		return model.CodeFunction, true
	default:
		return model.CodeModule, true
	}
}

var (
	classRegex     = regexp.MustCompile(`(?m)^\s*(public\s+|private\s+|export\s+)?(class|struct|interface|enum)\s+\w+`)
	methodRegex    = regexp.MustCompile(`(?m)^\s*func\s*\([^)]+\)\s*\w+`)
	functionRegex  = regexp.MustCompile(`(?m)^\s*(public\s+|private\s+|static\s+|export\s+|async\s+)*(func|function|def)\s+\w+`)
	testRegex      = regexp.MustCompile(`(?m)^\s*(func\s+Test\w+|def\s+test_\w+|it\(|describe\()`)
)

// classifyByRegex is the fallback heuristic for languages without a
// bundled grammar: structural pattern-matching against common
// function/class/method/test syntax shapes.
func classifyByRegex(content string) model.CodeType {
	switch {
	case testRegex.MatchString(content):
		return model.CodeTest
	case methodRegex.MatchString(content):
		return model.CodeMethod
	case classRegex.MatchString(content):
		return model.CodeClass
	case functionRegex.MatchString(content):
		return model.CodeFunction
	default:
		return model.CodeModule
	}
}
