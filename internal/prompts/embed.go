// Package prompts provides externalized review prompt templates with
// override support.
package prompts

import "embed"

//go:embed review/*.md
var embeddedFS embed.FS
