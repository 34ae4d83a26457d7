package prompt

import (
	_ "embed"
	"strings"
)

var (
	//go:embed template/narration.txt
	narrationRaw string

	//go:embed template/tool_identification.txt
	toolIdentificationRaw string

	//go:embed template/run_summary.txt
	runSummaryRaw string
)

// PromptSet holds loaded prompt content.
type PromptSet struct {
	Narration          string
	ToolIdentification string
	RunSummary         string
}

// LoadPromptSet returns a PromptSet with trimmed prompt strings.
// This is safe to call concurrently; the embed is compile-time, and trimming is cheap.
func LoadPromptSet() PromptSet {
	return PromptSet{
		Narration:          strings.TrimSpace(narrationRaw),
		ToolIdentification: strings.TrimSpace(toolIdentificationRaw),
		RunSummary:         strings.TrimSpace(runSummaryRaw),
	}
}
