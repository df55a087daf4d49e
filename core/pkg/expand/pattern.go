package expand

import (
	"fmt"
	"strings"
)

// segment is one piece of a tokenized ${name} pattern: either a literal run
// of characters or a named capture variable.
type segment struct {
	literal string
	varName string
	isVar   bool
}

// Pattern is a message_id template pre-split into literal/variable segments,
// avoiding the REDESIGN-flagged regex-from-${name} approach: two adjacent
// captures with no separating literal would match ambiguously under a
// regex built from "${name}" -> "(.*)". The explicit scan below bounds each
// variable's greedy capture by the next literal segment instead.
type Pattern struct {
	raw      string
	segments []segment
}

// Compile tokenizes raw into literal/variable segments. It returns an error
// for an unterminated "${" - the same failure ValidateTemplate reports for
// option templates, surfaced here for message_id patterns at Initialize.
func Compile(raw string) (*Pattern, error) {
	var segs []segment
	i := 0
	for i < len(raw) {
		start := strings.Index(raw[i:], "${")
		if start < 0 {
			if i < len(raw) {
				segs = append(segs, segment{literal: raw[i:]})
			}
			break
		}
		start += i
		if start > i {
			segs = append(segs, segment{literal: raw[i:start]})
		}
		end := strings.IndexByte(raw[start:], '}')
		if end < 0 {
			return nil, fmt.Errorf("unterminated \"${\" in pattern %q", raw)
		}
		end += start
		name := raw[start+2 : end]
		segs = append(segs, segment{varName: name, isVar: true})
		i = end + 1
	}
	return &Pattern{raw: raw, segments: segs}, nil
}

// String returns the original pattern text, the value pipe entries store as
// matched_pattern.
func (p *Pattern) String() string { return p.raw }

// Match tests msg against the pattern with a full-string, anchored match
// (not the source's regex_search substring behavior - see SPEC_FULL.md §6.1
// / DESIGN.md for the divergence this intentionally fixes). Each variable
// captures greedily up to the last occurrence of the following literal,
// giving the longest possible prefix; a variable with no following literal
// captures the remainder of msg.
func (p *Pattern) Match(msg string) (captures map[string]string, ok bool) {
	captures = make(map[string]string)
	pos := 0
	for idx, seg := range p.segments {
		if !seg.isVar {
			if !strings.HasPrefix(msg[pos:], seg.literal) {
				return nil, false
			}
			pos += len(seg.literal)
			continue
		}

		if idx+1 < len(p.segments) && !p.segments[idx+1].isVar {
			nextLit := p.segments[idx+1].literal
			rel := strings.LastIndex(msg[pos:], nextLit)
			if rel < 0 {
				return nil, false
			}
			captures[seg.varName] = msg[pos : pos+rel]
			pos += rel
		} else {
			captures[seg.varName] = msg[pos:]
			pos = len(msg)
		}
	}
	if pos != len(msg) {
		return nil, false
	}
	return captures, true
}

// Substitute plain-text replaces every "${name}" occurrence in template with
// captures[name], for every name captured. Unknown placeholders are left
// untouched (they are resolved later by macro expansion, or are themselves
// configuration errors caught by ValidateTemplate).
func Substitute(template string, captures map[string]string) string {
	for name, val := range captures {
		template = strings.ReplaceAll(template, "${"+name+"}", val)
	}
	return template
}
