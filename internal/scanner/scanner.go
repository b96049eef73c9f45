// Package scanner finds interaction requests embedded in executable output.
//
// A request is a JSON object wrapped in a literal marker pair:
//
//	[INTERACTION_REQUEST]{"type":"choice","message":"pick","options":["a","b"]}[/INTERACTION_REQUEST]
//
// Output arrives in arbitrary chunks, so a Scanner keeps the unmatched tail of
// the transcript between calls to Feed.
package scanner

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/throw-if-null/taskrelay/internal/api"
)

const (
	StartMarker = "[INTERACTION_REQUEST]"
	EndMarker   = "[/INTERACTION_REQUEST]"

	// MaxPending bounds how much text may sit between a start marker and its
	// missing end marker before the request is given up on.
	MaxPending = 1 << 20
)

var ErrMalformed = errors.New("malformed interaction payload")

type State int

const (
	// Found means an interaction was decoded.
	Found State = iota
	// Discarded means markers matched but the payload was rejected.
	Discarded
)

func (s State) String() string {
	if s == Discarded {
		return "discarded"
	}
	return "found"
}

type Result struct {
	State       State
	Interaction *api.Interaction
	// Err explains a Discarded result.
	Err error
}

// Scanner is not safe for concurrent use; the orchestrator feeds one per task
// under that task's lock.
type Scanner struct {
	taskID  string
	buf     strings.Builder
	now     func() time.Time
	newID   func() string
	pending bool
}

func New(taskID string) *Scanner {
	return &Scanner{
		taskID: taskID,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

// Pending reports whether a start marker is waiting for its end marker.
func (s *Scanner) Pending() bool { return s.pending }

// Feed appends chunk to the transcript and returns every request completed by it.
func (s *Scanner) Feed(chunk string) []Result {
	s.buf.WriteString(chunk)
	text := s.buf.String()
	var out []Result

	for {
		start := strings.Index(text, StartMarker)
		if start < 0 {
			// keep only what could be the beginning of a split marker
			text = keepMarkerPrefix(text)
			s.pending = false
			break
		}
		body := text[start+len(StartMarker):]
		end := strings.Index(body, EndMarker)
		if end < 0 {
			if len(body) > MaxPending {
				out = append(out, Result{State: Discarded, Err: fmt.Errorf("%w: no end marker within %d bytes", ErrMalformed, MaxPending)})
				text = body
				continue
			}
			text = text[start:]
			s.pending = true
			break
		}
		out = append(out, s.decode(body[:end]))
		text = body[end+len(EndMarker):]
	}

	s.buf.Reset()
	s.buf.WriteString(text)
	return out
}

func keepMarkerPrefix(text string) string {
	max := len(StartMarker) - 1
	if max > len(text) {
		max = len(text)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(text, StartMarker[:n]) {
			return text[len(text)-n:]
		}
	}
	return ""
}

type payload struct {
	Type    api.InteractionType `json:"type"`
	Message string              `json:"message"`
	Options []string            `json:"options"`
}

func (s *Scanner) decode(raw string) Result {
	var p payload
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(raw)))
	if err := dec.Decode(&p); err != nil {
		return Result{State: Discarded, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if dec.More() {
		return Result{State: Discarded, Err: fmt.Errorf("%w: trailing data after object", ErrMalformed)}
	}
	if !p.Type.Valid() {
		return Result{State: Discarded, Err: fmt.Errorf("%w: unknown type %q", ErrMalformed, p.Type)}
	}
	if strings.TrimSpace(p.Message) == "" {
		return Result{State: Discarded, Err: fmt.Errorf("%w: empty message", ErrMalformed)}
	}
	return Result{
		State: Found,
		Interaction: &api.Interaction{
			ID:        s.newID(),
			TaskID:    s.taskID,
			Type:      p.Type,
			Message:   p.Message,
			Options:   p.Options,
			Timestamp: s.now().UTC(),
		},
	}
}
