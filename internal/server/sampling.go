package server

// knownTopLevelFields are wire fields consumed by name rather than folded
// into the opaque sampling map passed through to the engine.
var knownTopLevelFields = map[string]bool{
	"model":          true,
	"messages":       true,
	"prompt":         true,
	"input":          true,
	"stream":         true,
	"stream_options": true,
}

// extractSampling pulls every field the client sent besides the ones the
// server already parsed by name (knownTopLevelFields) into an opaque map
// (temperature, top_p, max_tokens, stop, ...) the core passes through to the
// engine unexamined.
func extractSampling(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if knownTopLevelFields[k] {
			continue
		}
		out[k] = v
	}
	return out
}
