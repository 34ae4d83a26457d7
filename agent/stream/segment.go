package stream

import (
	"strings"
	"sync"

	contractx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/contract"
)

// Segmenter buffers one message's narration tokens and emits them as
// markdown-block segments: START_STREAM once, a STREAMING segment per
// completed block, END_STREAM once. A block ends at a blank line outside a
// code fence, so fenced code is never split. Each message gets its own
// Segmenter; a disposed Segmenter emits nothing, ever.
type Segmenter struct {
	mu        sync.Mutex
	sender    contractx.Sender
	sessionID string
	messageID string

	pending  string
	seq      int
	started  bool
	finished bool
	disposed bool
}

func NewSegmenter(sender contractx.Sender, sessionID, messageID string) *Segmenter {
	return &Segmenter{sender: sender, sessionID: sessionID, messageID: messageID}
}

// Feed appends streamed text and emits every block completed so far.
func (g *Segmenter) Feed(text string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disposed || g.finished || text == "" {
		return
	}
	g.pending += text
	for {
		idx := blockBoundary(g.pending)
		if idx < 0 {
			return
		}
		block := strings.TrimSpace(g.pending[:idx])
		g.pending = strings.TrimLeft(g.pending[idx:], "\n")
		if block != "" {
			g.emit(block)
		}
	}
}

// Finish flushes the trailing partial block and closes the stream. It is a
// no-op when nothing was ever emitted and nothing is pending.
func (g *Segmenter) Finish() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disposed || g.finished {
		return
	}
	g.finished = true
	if block := strings.TrimSpace(g.pending); block != "" {
		g.emit(block)
	}
	g.pending = ""
	if !g.started {
		return
	}
	g.seq++
	g.sender.Send(g.sessionID, contractx.Event{
		Type:      contractx.EventConversationalTextSegment,
		SessionID: g.sessionID,
		MessageID: g.messageID,
		Payload:   contractx.TextSegment{Kind: contractx.SegmentEndStream, Sequence: g.seq},
	})
}

// Dispose permanently silences the Segmenter. Buffered text is dropped.
func (g *Segmenter) Dispose() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disposed = true
	g.pending = ""
}

// emit sends one STREAMING segment, preceded by START_STREAM on first use.
// Callers hold the mutex.
func (g *Segmenter) emit(block string) {
	if !g.started {
		g.started = true
		g.sender.Send(g.sessionID, contractx.Event{
			Type:      contractx.EventConversationalTextSegment,
			SessionID: g.sessionID,
			MessageID: g.messageID,
			Payload:   contractx.TextSegment{Kind: contractx.SegmentStartStream, Sequence: g.seq},
		})
	}
	g.seq++
	g.sender.Send(g.sessionID, contractx.Event{
		Type:      contractx.EventConversationalTextSegment,
		SessionID: g.sessionID,
		MessageID: g.messageID,
		Payload:   contractx.TextSegment{Kind: contractx.SegmentStreaming, Sequence: g.seq, Content: block},
	})
}

// blockBoundary returns the index of the first blank line outside a code
// fence, or -1 when the buffered text holds no complete block.
func blockBoundary(s string) int {
	inFence := false
	for i := 0; i < len(s); i++ {
		if strings.HasPrefix(s[i:], "```") {
			inFence = !inFence
			i += 2
			continue
		}
		if !inFence && s[i] == '\n' && i+1 < len(s) && s[i+1] == '\n' {
			return i
		}
	}
	return -1
}
