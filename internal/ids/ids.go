// Package ids generates prefixed identifiers.
package ids

import (
	nanoid "github.com/matoous/go-nanoid/v2"
)

const DefaultLength = 12

const (
	PrefixSnapshot  = "snap"
	PrefixCandidate = "cand"
	PrefixInitial   = "gen0"
	PrefixCrossover = "cross"
	PrefixMutation  = "mut"
)

// New returns prefix-<nanoid>.
func New(prefix string) string {
	id, err := nanoid.New(DefaultLength)
	if err != nil {
		panic("nanoid generation failed: " + err.Error())
	}
	return prefix + "-" + id
}
