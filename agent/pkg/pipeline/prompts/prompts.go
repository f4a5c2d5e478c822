// Package prompts embeds the system prompts used by the pipeline stages.
package prompts

import "embed"

//go:embed *.md
var PromptsFS embed.FS
