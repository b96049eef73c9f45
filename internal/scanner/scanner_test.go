package scanner

import (
	"errors"
	"strings"
	"testing"

	"github.com/throw-if-null/taskrelay/internal/api"
)

func newTestScanner() *Scanner {
	s := New("task-1")
	n := 0
	s.newID = func() string {
		n++
		return "id-" + string(rune('0'+n))
	}
	return s
}

func TestFeed_NoMarkers(t *testing.T) {
	s := newTestScanner()
	if got := s.Feed("compiling...\nall good\n"); len(got) != 0 {
		t.Fatalf("expected no results, got %v", got)
	}
	if s.Pending() {
		t.Fatalf("nothing should be pending")
	}
}

func TestFeed_SingleChunk(t *testing.T) {
	s := newTestScanner()
	got := s.Feed(`before [INTERACTION_REQUEST]{"type":"choice","message":"pick one","options":["a","b"]}[/INTERACTION_REQUEST] after`)
	if len(got) != 1 || got[0].State != Found {
		t.Fatalf("expected one found result, got %+v", got)
	}
	i := got[0].Interaction
	if i.ID != "id-1" || i.TaskID != "task-1" || i.Type != api.InteractionChoice || i.Message != "pick one" {
		t.Fatalf("unexpected interaction %+v", i)
	}
	if strings.Join(i.Options, ",") != "a,b" {
		t.Fatalf("options: %v", i.Options)
	}
	if i.Timestamp.IsZero() {
		t.Fatalf("timestamp not set")
	}
}

func TestFeed_SplitAcrossChunks(t *testing.T) {
	full := `xx[INTERACTION_REQUEST]{"type":"confirmation","message":"apply changes?"}[/INTERACTION_REQUEST]yy`
	// every split point, including inside both markers
	for cut := 1; cut < len(full); cut++ {
		s := newTestScanner()
		var got []Result
		got = append(got, s.Feed(full[:cut])...)
		got = append(got, s.Feed(full[cut:])...)
		if len(got) != 1 || got[0].State != Found {
			t.Fatalf("cut %d: expected one found result, got %+v", cut, got)
		}
		if got[0].Interaction.Message != "apply changes?" {
			t.Fatalf("cut %d: message %q", cut, got[0].Interaction.Message)
		}
	}
}

func TestFeed_ByteAtATime(t *testing.T) {
	full := `[INTERACTION_REQUEST]{"type":"input","message":"name?"}[/INTERACTION_REQUEST]`
	s := newTestScanner()
	var got []Result
	for i := 0; i < len(full); i++ {
		got = append(got, s.Feed(full[i:i+1])...)
		if i < len(full)-1 && len(got) != 0 {
			t.Fatalf("result emitted early at byte %d", i)
		}
	}
	if len(got) != 1 || got[0].Interaction.Type != api.InteractionInput {
		t.Fatalf("unexpected results %+v", got)
	}
}

func TestFeed_PendingUntilEndMarker(t *testing.T) {
	s := newTestScanner()
	if got := s.Feed(`[INTERACTION_REQUEST]{"type":"input",`); len(got) != 0 {
		t.Fatalf("expected nothing yet, got %+v", got)
	}
	if !s.Pending() {
		t.Fatalf("expected pending")
	}
	got := s.Feed(`"message":"x"}[/INTERACTION_REQUEST]`)
	if len(got) != 1 || got[0].State != Found {
		t.Fatalf("expected found, got %+v", got)
	}
	if s.Pending() {
		t.Fatalf("pending should clear")
	}
}

func TestFeed_MalformedDiscardedAndScanningContinues(t *testing.T) {
	s := newTestScanner()
	got := s.Feed(`[INTERACTION_REQUEST]{not json}[/INTERACTION_REQUEST]` +
		`[INTERACTION_REQUEST]{"type":"input","message":"ok"}[/INTERACTION_REQUEST]`)
	if len(got) != 2 {
		t.Fatalf("expected two results, got %+v", got)
	}
	if got[0].State != Discarded || !errors.Is(got[0].Err, ErrMalformed) || got[0].Interaction != nil {
		t.Fatalf("first should be discarded, got %+v", got[0])
	}
	if got[1].State != Found || got[1].Interaction.ID != "id-1" {
		t.Fatalf("second should be found with first id, got %+v", got[1])
	}
}

func TestFeed_InvalidPayloadFields(t *testing.T) {
	cases := map[string]string{
		"unknown type":  `{"type":"approve","message":"x"}`,
		"missing type":  `{"message":"x"}`,
		"empty message": `{"type":"input","message":"  "}`,
		"not an object": `["input","x"]`,
		"trailing data": `{"type":"input","message":"x"} {}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			got := New("t").Feed(StartMarker + payload + EndMarker)
			if len(got) != 1 || got[0].State != Discarded {
				t.Fatalf("expected discarded, got %+v", got)
			}
		})
	}
}

func TestFeed_MultipleInOneChunk(t *testing.T) {
	s := newTestScanner()
	one := `[INTERACTION_REQUEST]{"type":"input","message":"a"}[/INTERACTION_REQUEST]`
	got := s.Feed(one + "\nnoise\n" + one + one)
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got))
	}
	seen := map[string]bool{}
	for _, r := range got {
		if r.State != Found {
			t.Fatalf("unexpected state %v", r.State)
		}
		if seen[r.Interaction.ID] {
			t.Fatalf("duplicate id %s", r.Interaction.ID)
		}
		seen[r.Interaction.ID] = true
	}
}

func TestFeed_OversizedPendingDiscarded(t *testing.T) {
	s := newTestScanner()
	s.Feed(StartMarker + `{"type":"input","message":"`)
	got := s.Feed(strings.Repeat("x", MaxPending+1))
	if len(got) != 1 || got[0].State != Discarded {
		t.Fatalf("expected oversized payload discarded, got %+v", got)
	}
	if s.Pending() {
		t.Fatalf("discarded payload should not stay pending")
	}
	got = s.Feed(StartMarker + `{"type":"input","message":"again"}` + EndMarker)
	if len(got) != 1 || got[0].State != Found {
		t.Fatalf("scanner should recover, got %+v", got)
	}
}

func TestFeed_BufferStaysBounded(t *testing.T) {
	s := newTestScanner()
	for i := 0; i < 100; i++ {
		s.Feed(strings.Repeat("plain output ", 100) + "[INTERACT")
	}
	if n := s.buf.Len(); n >= len(StartMarker) {
		t.Fatalf("buffer retained %d bytes of plain output", n)
	}
}

func TestExtractResult(t *testing.T) {
	out := "working...\n" +
		`{"progress": 50}` + "\n" +
		`{"success": true, "summary": "added page", "changes": [` +
		`{"path": "src/login.tsx", "operation": "create", "diff": "+ {x}"},` +
		`{"path": "src/app.tsx", "operation": "modify", "status": "approved"},` +
		`{"path": "bad", "operation": "rename"}` +
		`]}` + "\ndone\n"
	res, ok := ExtractResult(out)
	if !ok {
		t.Fatalf("expected result found")
	}
	if !res.Success || res.Summary != "added page" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Changes) != 2 {
		t.Fatalf("expected 2 changes, got %+v", res.Changes)
	}
	if res.Changes[0].Status != api.ChangePending || res.Changes[0].Diff != "+ {x}" {
		t.Fatalf("first change: %+v", res.Changes[0])
	}
	if res.Changes[1].Status != api.ChangeApproved || res.Changes[1].Operation != api.OpModify {
		t.Fatalf("second change: %+v", res.Changes[1])
	}
}

func TestExtractResult_LastObjectWins(t *testing.T) {
	out := `{"changes":[{"path":"a","operation":"create"}]}` + "\n" +
		`{"changes":[{"path":"b","operation":"delete"}]}`
	res, ok := ExtractResult(out)
	if !ok || len(res.Changes) != 1 || res.Changes[0].Path != "b" {
		t.Fatalf("expected last object, got %+v", res)
	}
}

func TestExtractResult_None(t *testing.T) {
	for _, out := range []string{"", "no json here", `{"changes": "nope"}`, `{"changes": [`, "stray { brace"} {
		res, ok := ExtractResult(out)
		if ok {
			t.Fatalf("%q: expected no result", out)
		}
		if res.Changes == nil || len(res.Changes) != 0 || !res.Success {
			t.Fatalf("%q: expected empty successful result, got %+v", out, res)
		}
	}
}

func TestExtractResult_StrayBraceBeforeResult(t *testing.T) {
	out := "use { carefully\n" + `{"changes":[{"path":"x","operation":"modify"}]}`
	res, ok := ExtractResult(out)
	if !ok || len(res.Changes) != 1 {
		t.Fatalf("expected result despite stray brace, got %+v", res)
	}
}
