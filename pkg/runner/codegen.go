package runner

import (
	"context"
	"fmt"

	"github.com/necrocode/engine/pkg/types"
)

// CodegenClient is the single external collaborator spec.md names as
// out-of-scope-but-called: given a prompt and the workspace it applies to,
// it returns the set of file mutations to apply.
type CodegenClient interface {
	GenerateCode(ctx context.Context, prompt string, workspacePath string) ([]types.FileChange, error)
}

// CodegenPrompt builds the prompt sent to the code-generation service from
// task context plus a listing of relevant workspace files (spec §4.4 step 3).
type CodegenPrompt struct {
	Title              string
	Description        string
	AcceptanceCriteria []string
	WorkspaceFiles     []string
}

func (p CodegenPrompt) Render() string {
	s := fmt.Sprintf("Title: %s\n\nDescription:\n%s\n", p.Title, p.Description)
	if len(p.AcceptanceCriteria) > 0 {
		s += "\nAcceptance criteria:\n"
		for _, c := range p.AcceptanceCriteria {
			s += fmt.Sprintf("- %s\n", c)
		}
	}
	if len(p.WorkspaceFiles) > 0 {
		s += "\nRelevant workspace files:\n"
		for _, f := range p.WorkspaceFiles {
			s += fmt.Sprintf("- %s\n", f)
		}
	}
	return s
}
