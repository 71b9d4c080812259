// Package patch parses and applies serialized text patches.
//
// Patches use the diff-match-patch text format: one or more hunks, each with an
// "@@ -start1,len1 +start2,len2 @@" header followed by URI-encoded context
// (' '), deletion ('-') and insertion ('+') lines. Hunks are relocated with a
// bitap fuzzy search when the text around their recorded offset has drifted.
//
// This is not an operational transform. Two patches built from the same stale
// base that touch overlapping regions can lose the intent of one of them; the
// per-hunk results let callers detect when that happened.
package patch

import (
	"errors"
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ErrMalformed is returned for patch text that cannot be parsed or applied.
var ErrMalformed = errors.New("malformed patch")

// Options tunes hunk relocation.
type Options struct {
	// MatchThreshold is the bitap score above which a candidate location is
	// rejected. 0.0 demands a perfect match, 1.0 accepts anything.
	MatchThreshold float64

	// MatchDistance is how far from the recorded offset a match may be found.
	// A match MatchDistance characters away scores 1.0 on distance alone.
	MatchDistance int

	// DeleteThreshold is how closely the text removed by a large deletion has
	// to match the patch's expectation before the hunk is applied.
	DeleteThreshold float64

	// Margin is the context length placed around each hunk by Make.
	Margin int
}

// DefaultOptions returns the diff-match-patch defaults shared with browser clients.
func DefaultOptions() Options {
	return Options{
		MatchThreshold:  0.5,
		MatchDistance:   1000,
		DeleteThreshold: 0.5,
		Margin:          4,
	}
}

// Engine is safe for concurrent use; it holds configuration only.
type Engine struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

func NewEngine(opts Options) *Engine {
	dmp := diffmatchpatch.New()
	dmp.MatchThreshold = opts.MatchThreshold
	dmp.MatchDistance = opts.MatchDistance
	dmp.PatchDeleteThreshold = opts.DeleteThreshold
	if opts.Margin > 0 {
		dmp.PatchMargin = opts.Margin
	}
	return &Engine{dmp: dmp}
}

// Parse decodes serialized patch text. Empty text parses to an empty patch.
func (e *Engine) Parse(text string) (p *Patch, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	hunks, err := e.dmp.PatchFromText(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for i, h := range hunks {
		if h.Start1 < 0 || h.Length1 < 0 || h.Length2 < 0 {
			return nil, fmt.Errorf("%w: hunk %d has a negative range", ErrMalformed, i)
		}
	}
	return &Patch{hunks: hunks, spans: readSpans(text), text: text}, nil
}

// Apply runs every hunk of p against base in order. Hunks that cannot be
// located are skipped and reported false in Result.Applied. A patch whose
// original text is gone from base and whose every hunk result already sits
// at its target offset leaves base unchanged, so redelivering an applied
// patch is a no-op.
func (e *Engine) Apply(p *Patch, base string) (res Result, err error) {
	if p == nil || len(p.hunks) == 0 {
		return Result{Text: base, Applied: []bool{}}, nil
	}
	if p.presentIn(base) {
		applied := make([]bool, len(p.hunks))
		for i := range applied {
			applied[i] = true
		}
		return Result{Text: base, Applied: applied}, nil
	}

	defer func() {
		if r := recover(); r != nil {
			res = Result{Text: base, Applied: make([]bool, len(p.hunks))}
			err = fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	text, applied := e.dmp.PatchApply(p.hunks, base)
	return Result{Text: text, Applied: applied}, nil
}

// ApplyText parses text and applies it to base.
func (e *Engine) ApplyText(text, base string) (Result, error) {
	p, err := e.Parse(text)
	if err != nil {
		return Result{Text: base}, err
	}
	return e.Apply(p, base)
}

// Make serializes the edit turning from into to.
func (e *Engine) Make(from, to string) string {
	return e.dmp.PatchToText(e.dmp.PatchMake(from, to))
}
