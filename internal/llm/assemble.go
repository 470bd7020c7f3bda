package llm

import "strings"

// Assembler folds stream chunks into a [Response]. Streaming adapters
// feed every chunk they emit through it, so a streamed reply and the
// equivalent non-streamed reply produce identical message parts.
type Assembler struct {
	text      strings.Builder
	reasoning strings.Builder
	calls     []ToolCall
	final     *Response
	err       error
}

// Add consumes one chunk.
func (a *Assembler) Add(c StreamChunk) {
	switch c.Kind {
	case ChunkReasoning:
		a.reasoning.WriteString(c.Text)
	case ChunkContent:
		a.text.WriteString(c.Text)
	case ChunkToolCall:
		if c.ToolCall != nil {
			a.calls = append(a.calls, *c.ToolCall)
		}
	case ChunkTurnComplete:
		a.final = c.Response
	case ChunkError:
		a.err = c.Err
	}
}

// Complete reports whether a turn-complete or error chunk has been seen.
func (a *Assembler) Complete() bool {
	return a.final != nil || a.err != nil
}

// Response returns the assembled reply. Metadata comes from the
// turn-complete chunk; text and tool calls come from the deltas.
func (a *Assembler) Response() *Response {
	resp := &Response{}
	if a.final != nil {
		*resp = *a.final
	}
	resp.Text = a.text.String()
	resp.Reasoning = a.reasoning.String()
	resp.ToolCalls = a.calls
	if a.err != nil {
		resp.Err = a.err
		resp.StopReason = StopError
	}
	return resp
}

// Assemble folds a complete chunk sequence into a Response.
func Assemble(chunks []StreamChunk) *Response {
	var a Assembler
	for _, c := range chunks {
		a.Add(c)
	}
	return a.Response()
}

// Chunks decomposes a complete response into the chunk sequence a
// streaming backend would have produced. Adapters whose backend cannot
// stream use it to honor [Client.Stream].
func Chunks(resp *Response) []StreamChunk {
	var out []StreamChunk
	if resp.Reasoning != "" {
		out = append(out, StreamChunk{Kind: ChunkReasoning, Text: resp.Reasoning})
	}
	if resp.Text != "" {
		out = append(out, StreamChunk{Kind: ChunkContent, Text: resp.Text})
	}
	for i := range resp.ToolCalls {
		tc := resp.ToolCalls[i]
		out = append(out, StreamChunk{Kind: ChunkToolCall, ToolCall: &tc})
	}
	meta := *resp
	meta.Text = ""
	meta.Reasoning = ""
	meta.ToolCalls = nil
	out = append(out, StreamChunk{Kind: ChunkTurnComplete, Response: &meta})
	return out
}

// emitter forwards chunks to the caller's callback and the assembler.
type emitter struct {
	asm Assembler
	fn  StreamFunc
}

func (e *emitter) emit(c StreamChunk) {
	e.asm.Add(c)
	if e.fn != nil {
		e.fn(c)
	}
}
