package pipeline

import (
	"fmt"
	"strings"

	"github.com/FalkorDB/QueryWeaver/agent/pkg/pipeline/prompts"
)

// Prompts contains the stage system prompts loaded from embedded files.
type Prompts struct {
	Relevancy string // Prompt for on-topic classification
	Analyze   string // Prompt for selecting schema entities
	Clarify   string // Prompt for detecting ambiguous filters
	FollowUp  string // Prompt for reinterpreting continuation questions
	Generate  string // Prompt for SQL generation
	Format    string // Prompt for summarizing execution results
}

// LoadPrompts loads all prompts from the embedded filesystem.
func LoadPrompts() (*Prompts, error) {
	p := &Prompts{}

	files := []struct {
		name string
		dst  *string
	}{
		{"RELEVANCY.md", &p.Relevancy},
		{"ANALYZE.md", &p.Analyze},
		{"CLARIFY.md", &p.Clarify},
		{"FOLLOWUP.md", &p.FollowUp},
		{"GENERATE.md", &p.Generate},
		{"FORMAT.md", &p.Format},
	}
	for _, f := range files {
		content, err := loadPrompt(f.name)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", strings.TrimSuffix(f.name, ".md"), err)
		}
		*f.dst = content
	}

	return p, nil
}

func loadPrompt(path string) (string, error) {
	data, err := prompts.PromptsFS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
