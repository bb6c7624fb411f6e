package chatengine

import (
	"regexp"
	"strings"
)

// Event is the tagged-variant output of the JSON-frame extractor (§9's
// "from dynamic typing to sum types" note): one event per
// now-guaranteed-stable fragment of the LLM's structured JSON output.
type Event struct {
	Type string // language | intent | content | done | error

	Language     string
	Intent       string
	Confidence   float64
	ContentDelta string
	Err          error
}

var (
	languageRe       = regexp.MustCompile(`"language"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	intentRe         = regexp.MustCompile(`"intent"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	finalAnswerKeyRe = regexp.MustCompile(`"final_answer"\s*:\s*"`)
)

// Extractor incrementally parses the streaming LLM buffer into Events
// (§4.1 step 7). It tolerates partial JSON: every Feed call only emits
// events for fragments that have fully arrived and cannot change
// underneath it.
//
// thinking.language and thinking.intent are each emitted once, the
// first time their value closes in the accumulating buffer — the
// prompt's schema puts them before persona/reasoning so they resolve
// well before final_answer starts. final_answer's string content is
// tracked byte-by-byte so partial escape sequences split across LLM
// tokens never corrupt a delta.
type Extractor struct {
	buf strings.Builder

	emittedLanguage bool
	emittedIntent   bool

	finalAnswerStart int // byte offset into buf where final_answer's value begins, -1 until found
	emittedUpTo      int // byte offset up to which content deltas have already been emitted
	finalAnswerDone  bool
}

func NewExtractor() *Extractor {
	return &Extractor{finalAnswerStart: -1}
}

// Feed appends a chunk of raw LLM output and returns the events it newly
// makes resolvable.
func (e *Extractor) Feed(chunk string) []Event {
	e.buf.WriteString(chunk)
	raw := e.buf.String()

	var events []Event

	if !e.emittedLanguage {
		if m := languageRe.FindStringSubmatch(raw); m != nil {
			e.emittedLanguage = true
			events = append(events, Event{Type: "language", Language: unescapeJSONString(m[1])})
		}
	}

	if !e.emittedIntent {
		if m := intentRe.FindStringSubmatch(raw); m != nil {
			e.emittedIntent = true
			events = append(events, Event{Type: "intent", Intent: unescapeJSONString(m[1]), Confidence: 1.0})
		}
	}

	if e.finalAnswerStart < 0 {
		if loc := finalAnswerKeyRe.FindStringIndex(raw); loc != nil {
			e.finalAnswerStart = loc[1]
			e.emittedUpTo = e.finalAnswerStart
		}
	}

	if e.finalAnswerStart >= 0 && !e.finalAnswerDone {
		end, closed := scanJSONStringEnd(raw, e.emittedUpTo)
		if end > e.emittedUpTo {
			delta := unescapeJSONString(raw[e.emittedUpTo:end])
			if delta != "" {
				events = append(events, Event{Type: "content", ContentDelta: delta})
			}
			e.emittedUpTo = end
		}
		if closed {
			e.finalAnswerDone = true
			events = append(events, Event{Type: "done"})
		}
	}

	return events
}

// Done reports whether the final_answer string has closed.
func (e *Extractor) Done() bool { return e.finalAnswerDone }

// Fail builds the terminal error event for a mid-stream LLM failure
// (§4.1 failure semantics).
func (e *Extractor) Fail(err error) Event {
	return Event{Type: "error", Err: err}
}

// scanJSONStringEnd scans raw[from:] for the end of a JSON string value
// — an unescaped '"' — returning its index and whether it was found. A
// trailing backslash whose escaped character hasn't arrived yet stops
// the scan without consuming it, so the next Feed call resumes safely.
func scanJSONStringEnd(raw string, from int) (end int, closed bool) {
	i := from
	for i < len(raw) {
		switch raw[i] {
		case '\\':
			if i+1 >= len(raw) {
				return i, false
			}
			i += 2
		case '"':
			return i, true
		default:
			i++
		}
	}
	return i, false
}

// unescapeJSONString decodes the JSON string escapes the spec calls out
// explicitly (§4.1 step 7): \n, \", \\, plus \t and \r for completeness.
func unescapeJSONString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			case '"':
				b.WriteByte('"')
				i++
				continue
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			case 't':
				b.WriteByte('\t')
				i++
				continue
			case 'r':
				b.WriteByte('\r')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
