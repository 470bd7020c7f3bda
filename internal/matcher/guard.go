package matcher

import (
	"encoding/json"
	"strings"
)

const (
	// warnAfter is the first repeat that draws a warning.
	warnAfter = 2

	// stopAt is the repeat that ends the batch.
	stopAt = 5
)

type verdict int

const (
	verdictOK verdict = iota
	verdictWarn
	verdictStop
)

// repetitionGuard counts identical consecutive tool calls. Arguments are
// compared in canonical form so key order, case and surrounding
// whitespace do not hide a repeat.
type repetitionGuard struct {
	last  string
	count int
}

// observe records one call and returns how many times in a row it has
// now been seen together with the verdict for it.
func (g *repetitionGuard) observe(name string, args map[string]any) (int, verdict) {
	key := name + " " + canonicalArgs(args)
	if key == g.last {
		g.count++
	} else {
		g.last = key
		g.count = 1
	}
	switch {
	case g.count >= stopAt:
		return g.count, verdictStop
	case g.count >= warnAfter:
		return g.count, verdictWarn
	default:
		return g.count, verdictOK
	}
}

// canonicalArgs renders args as JSON with sorted keys and normalized
// strings.
func canonicalArgs(args map[string]any) string {
	b, err := json.Marshal(normalize(args))
	if err != nil {
		return ""
	}
	return string(b)
}

func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return strings.ToLower(strings.Join(strings.Fields(t), " "))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}
