// Package expand implements the two string-substitution engines shared by
// the routing core: macro expansion (${id}, ${c_id}, ${timestamp}, ${count})
// over per-publish option templates, and ${name} pattern matching against a
// concrete message_id.
package expand

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/madcok-co/pipebroker/core/pkg/payload"
)

var macroTokens = []string{"${id}", "${c_id}", "${timestamp}", "${count}"}

// Macros holds the per-template ${count} counters. One Macros instance is
// owned by each Broker and protected by its own mutex, independent of the
// broker's targets/factories mutex, per the concurrency model.
type Macros struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewMacros returns an empty counter table.
func NewMacros() *Macros {
	return &Macros{counters: make(map[string]int64)}
}

// Expand substitutes every recognized macro in template against p, scanning
// left to right and never re-scanning substituted text. ${count} is keyed on
// the raw, unexpanded template string so two templates differing only in
// surrounding literal text keep independent counters.
func (m *Macros) Expand(template string, p *payload.Payload) string {
	var sb strings.Builder
	i := 0
	for i < len(template) {
		idx, tok := nextMacro(template, i)
		if idx < 0 {
			sb.WriteString(template[i:])
			break
		}
		sb.WriteString(template[i:idx])
		sb.WriteString(m.expandToken(tok, template, p))
		i = idx + len(tok)
	}
	return sb.String()
}

// nextMacro returns the index and text of the leftmost recognized macro at
// or after from, or (-1, "") if none remain.
func nextMacro(s string, from int) (int, string) {
	best := -1
	bestTok := ""
	for _, tok := range macroTokens {
		j := strings.Index(s[from:], tok)
		if j < 0 {
			continue
		}
		j += from
		if best == -1 || j < best {
			best = j
			bestTok = tok
		}
	}
	return best, bestTok
}

func (m *Macros) expandToken(tok, rawTemplate string, p *payload.Payload) string {
	switch tok {
	case "${id}":
		return p.ID
	case "${c_id}":
		return p.CorrelationID
	case "${timestamp}":
		return strconv.FormatInt(p.Timestamp, 10)
	case "${count}":
		m.mu.Lock()
		defer m.mu.Unlock()
		n := m.counters[rawTemplate]
		m.counters[rawTemplate] = n + 1
		return strconv.FormatInt(n, 10)
	default:
		return tok
	}
}

// ValidateTemplate reports an unterminated "${" as a configuration error.
// The broker calls this on every destination template at Initialize time,
// not at publish time.
func ValidateTemplate(template string) error {
	i := 0
	for {
		j := strings.Index(template[i:], "${")
		if j < 0 {
			return nil
		}
		j += i
		close := strings.IndexByte(template[j:], '}')
		if close < 0 {
			return fmt.Errorf("unterminated \"${\" in template %q", template)
		}
		i = j + close + 1
	}
}
