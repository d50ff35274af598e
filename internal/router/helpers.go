package router

import (
	"fmt"

	"github.com/locallama/router/internal/model"
)

// String renders an Assignment for logs and debug output.
func (a Assignment) String() string {
	return fmt.Sprintf("%s -> %s (score=%.3f): %s", a.SubtaskID, a.Model.QualifiedID(), a.Score, a.Reason)
}

// IsLocal reports whether the assignment went to a local provider.
func (a Assignment) IsLocal() bool {
	return a.Model.Provider == model.ProviderLocalStudio || a.Model.Provider == model.ProviderLocalOllama
}
