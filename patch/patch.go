package patch

import (
	"net/url"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Patch is a parsed, ordered list of hunks.
type Patch struct {
	hunks []diffmatchpatch.Patch
	spans []span
	text  string
}

// span is the text a hunk expects to find and the text it leaves behind,
// context included.
type span struct {
	before string
	after  string
}

// Hunk describes where a hunk expects to apply.
type Hunk struct {
	Start   int
	Length1 int
	Length2 int
}

func (p *Patch) Len() int {
	if p == nil {
		return 0
	}
	return len(p.hunks)
}

func (p *Patch) Hunks() []Hunk {
	if p == nil {
		return nil
	}
	hunks := make([]Hunk, 0, len(p.hunks))
	for _, h := range p.hunks {
		hunks = append(hunks, Hunk{Start: h.Start1, Length1: h.Length1, Length2: h.Length2})
	}
	return hunks
}

// String returns the text the patch was parsed from.
func (p *Patch) String() string {
	if p == nil {
		return ""
	}
	return p.text
}

// presentIn reports whether the patch has been applied to text before. That
// holds only when no hunk's original text can still be found, so the patch
// cannot apply, and every hunk's resulting text sits at its target offset.
// A deletion at the end of a text leaves a prefix of its original behind, so
// checking the resulting text alone would skip it.
func (p *Patch) presentIn(text string) bool {
	if len(p.spans) == 0 || len(p.spans) != len(p.hunks) {
		return false
	}
	for _, s := range p.spans {
		if s.before != "" && strings.Contains(text, s.before) {
			return false
		}
	}
	for i, s := range p.spans {
		if s.after == "" || s.after == s.before {
			return false
		}
		start := p.hunks[i].Start2
		end := start + len(s.after)
		if start < 0 || end > len(text) || text[start:end] != s.after {
			return false
		}
	}
	return true
}

// readSpans recovers each hunk's before/after text from the serialized form.
// Lines are decoded the way diff-match-patch encodes them: URI escapes with a
// literal '+'.
func readSpans(text string) []span {
	var (
		spans   []span
		current *span
	)
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "@@") {
			spans = append(spans, span{})
			current = &spans[len(spans)-1]
			continue
		}
		if current == nil {
			return nil
		}
		body, err := url.QueryUnescape(strings.ReplaceAll(line[1:], "+", "%2B"))
		if err != nil {
			return nil
		}
		switch line[0] {
		case ' ':
			current.before += body
			current.after += body
		case '-':
			current.before += body
		case '+':
			current.after += body
		default:
			return nil
		}
	}
	return spans
}

// Result is the text after applying a patch plus one flag per hunk.
type Result struct {
	Text    string
	Applied []bool
}

// Failed counts hunks that could not be located.
func (r Result) Failed() int {
	n := 0
	for _, ok := range r.Applied {
		if !ok {
			n++
		}
	}
	return n
}

func (r Result) Complete() bool { return r.Failed() == 0 }

// Partial reports that at least one hunk applied and at least one did not.
func (r Result) Partial() bool {
	failed := r.Failed()
	return failed > 0 && failed < len(r.Applied)
}
