// Package diffresolver implements the client-side reconciliation spec.md
// section 4.7 "Client-side consistency" names: an ephemeral node's locally
// matching entity ids are diffed against the authoritative remote id list
// to find what's stale locally and what's missing locally.
//
// There is no id-sequence diff primitive in the corpus, so this repurposes
// github.com/sergi/go-diff/diffmatchpatch's line-diff machinery: each id is
// mapped to a private-use-area rune (the same trick diffmatchpatch's own
// DiffLinesToChars helper uses for whole lines) and the two rune strings
// are run through the character-level Myers diff. This is a deliberate
// paper-over, not a lineage-aware reconciliation -- see DESIGN.md's note
// on spec.md section 9's open question.
package diffresolver

import (
	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Result is the outcome of reconciling a local id set against a remote one.
type Result struct {
	// Stale holds ids present in the local set but absent from the remote
	// set. The resolver only reports them; node.Fetch drops them from its
	// result and does not fetch them individually.
	Stale []id.EntityId
	// Missing holds ids present in the remote set but absent locally --
	// the client should fetch these as newly-matching entities.
	Missing []id.EntityId
}

// Resolve diffs local against remote, preserving each side's given order.
func Resolve(local, remote []id.EntityId) Result {
	runeOf := make(map[id.EntityId]rune)
	idOf := make(map[rune]id.EntityId)
	next := rune(0xE000) // start of the Unicode private-use area

	encode := func(ids []id.EntityId) []rune {
		out := make([]rune, 0, len(ids))
		for _, eid := range ids {
			r, ok := runeOf[eid]
			if !ok {
				r = next
				next++
				runeOf[eid] = r
				idOf[r] = eid
			}
			out = append(out, r)
		}
		return out
	}

	localText := string(encode(local))
	remoteText := string(encode(remote))

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(localText, remoteText, false)

	var res Result
	for _, d := range diffs {
		runes := []rune(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			for _, r := range runes {
				res.Stale = append(res.Stale, idOf[r])
			}
		case diffmatchpatch.DiffInsert:
			for _, r := range runes {
				res.Missing = append(res.Missing, idOf[r])
			}
		}
	}
	return res
}
