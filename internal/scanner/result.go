package scanner

import (
	"strings"

	"github.com/throw-if-null/taskrelay/internal/api"
	"github.com/tidwall/gjson"
)

// resultWindow limits how far back from the end of the transcript the result
// search looks.
const resultWindow = 1 << 20

// ExtractResult locates the last JSON object in output that carries a
// "changes" array and converts it into a result. ok is false when no such
// object exists; the returned result then has success set and no changes.
func ExtractResult(output string) (res api.Result, ok bool) {
	res = api.Result{Success: true, Changes: []api.FileChange{}}

	base := 0
	if len(output) > resultWindow {
		base = len(output) - resultWindow
	}
	window := output[base:]

	for start := strings.LastIndexByte(window, '{'); start >= 0; start = strings.LastIndexByte(window[:start], '{') {
		end := matchBrace(window, start)
		if end < 0 {
			continue
		}
		raw := window[start : end+1]
		if !gjson.Valid(raw) {
			continue
		}
		changes := gjson.Get(raw, "changes")
		if !changes.IsArray() {
			continue
		}
		return parseResult(raw, changes), true
	}
	return res, false
}

func parseResult(raw string, changes gjson.Result) api.Result {
	res := api.Result{Success: true, Changes: []api.FileChange{}}
	if s := gjson.Get(raw, "success"); s.Exists() {
		res.Success = s.Bool()
	}
	res.Summary = gjson.Get(raw, "summary").String()

	changes.ForEach(func(_, v gjson.Result) bool {
		path := v.Get("path").String()
		op := api.FileOperation(v.Get("operation").String())
		if path == "" || !op.Valid() {
			return true
		}
		status := api.ChangeStatus(v.Get("status").String())
		switch status {
		case api.ChangeApproved, api.ChangeRejected, api.ChangePending:
		default:
			status = api.ChangePending
		}
		res.Changes = append(res.Changes, api.FileChange{
			Path:      path,
			Operation: op,
			Diff:      v.Get("diff").String(),
			Status:    status,
		})
		return true
	})
	return res
}

// matchBrace returns the index of the brace closing the object opened at
// s[start], or -1. Braces inside JSON strings are ignored.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
