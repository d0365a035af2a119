// Package prompts provides externalized prompt templates with override support.
package prompts

import "embed"

//go:embed evolve/*.md evolve/rewrite/*.md
var embeddedFS embed.FS
