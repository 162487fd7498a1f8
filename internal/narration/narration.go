// Package narration maps source content to synthesizable text and to the
// deterministic content hash used for regeneration caching.
//
// Both mappings are pure: identical narratable fields always produce the
// same text and the same digest across process restarts.
package narration

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/zhuiye8/narration-service/internal/core"
)

// Narration pattern fragments. The option pattern is fixed: changing it
// changes the spoken output for every choice item.
const (
	optionsPrefix   = "Options are: "
	optionSeparator = "; "
	keyLabelJoin    = ", "
	titleSeparator  = ". "
)

// Hash canonical-form separators. Control characters keep field boundaries
// unambiguous regardless of content.
const (
	hashFieldSeparator  = "\x1e"
	hashOptionSeparator = "\x1f"
)

const whitespaceRegexPattern = `\s+`

// Builder renders NarrationItems into the exact text submitted for
// synthesis.
type Builder struct {
	whitespacePattern *regexp.Regexp
}

// NewBuilder creates a Builder with its patterns precompiled.
func NewBuilder() *Builder {
	return &Builder{
		whitespacePattern: regexp.MustCompile(whitespaceRegexPattern),
	}
}

// Text returns the synthesis text for an item: the normalized title,
// followed for choice items by each option key and label joined with the
// fixed narration pattern.
func (b *Builder) Text(item core.NarrationItem) string {
	var out strings.Builder

	out.WriteString(b.normalize(item.Title))

	if item.Type.IsChoice() && len(item.Options) > 0 {
		out.WriteString(titleSeparator)
		out.WriteString(optionsPrefix)

		for i, option := range item.Options {
			if i > 0 {
				out.WriteString(optionSeparator)
			}

			out.WriteString(b.normalize(option.Key))
			out.WriteString(keyLabelJoin)
			out.WriteString(b.normalize(option.Label))
		}
	}

	return out.String()
}

// normalize collapses runs of whitespace and trims the ends. Raw titles
// frequently arrive with stray newlines from the authoring UI.
func (b *Builder) normalize(text string) string {
	return strings.TrimSpace(b.whitespacePattern.ReplaceAllString(text, " "))
}

// ContentHash returns the stable digest of an item's narratable fields
// (title, ordered options, type). Equality of digests means no
// regeneration is required.
func ContentHash(item core.NarrationItem) string {
	var canonical strings.Builder

	canonical.WriteString(string(item.Type))
	canonical.WriteString(hashFieldSeparator)
	canonical.WriteString(item.Title)

	for _, option := range item.Options {
		canonical.WriteString(hashFieldSeparator)
		canonical.WriteString(option.Key)
		canonical.WriteString(hashOptionSeparator)
		canonical.WriteString(option.Label)
	}

	digest := sha256.Sum256([]byte(canonical.String()))

	return hex.EncodeToString(digest[:])
}
