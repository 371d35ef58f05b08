// Package prompts embeds the workflow prompt templates.
package prompts

import "embed"

//go:embed *.md
var PromptsFS embed.FS
