// Package translate implements the EventTranslator of spec §4.4 "Event
// translation contract": a pure per-turn mapping from raw agent events
// to zero or more client-facing protocol.ServerMessage values.
package translate

import (
	"bytes"
	"encoding/base64"
	"image"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/duh17/hostguard/pkg/protocol"
)

// maxMediaDimension bounds re-encoded media blocks so a single
// screenshot cannot blow the StreamMux backpressure budget.
const maxMediaDimension = 1600

// TurnContext is the per-turn state the translator threads through
// successive events for one session (§4.4 "a per-turn context").
type TurnContext struct {
	PartialResults        map[string]string // toolCallId -> accumulated text
	StreamedAssistantText string
	HasStreamedThinking   bool
}

// NewTurnContext returns a zeroed context, used at turn/agent start.
func NewTurnContext() *TurnContext {
	return &TurnContext{PartialResults: make(map[string]string)}
}

func (c *TurnContext) reset() {
	c.PartialResults = make(map[string]string)
	c.StreamedAssistantText = ""
	c.HasStreamedThinking = false
}

// Translator converts agent events for one session into client messages.
type Translator struct {
	sessionID string
}

// New returns a Translator for sessionID.
func New(sessionID string) *Translator {
	return &Translator{sessionID: sessionID}
}

// Translate consumes one agent event against ctx (mutated in place) and
// returns the client messages it produces, in order.
func (t *Translator) Translate(ctx *TurnContext, ev protocol.AgentEvent) []protocol.ServerMessage {
	switch ev.Type {
	case protocol.AgentEvAgentStart:
		ctx.reset()
		return t.msgs(protocol.TypeAgentStart, nil)
	case protocol.AgentEvAgentEnd:
		out := t.msgs(protocol.TypeAgentEnd, nil)
		ctx.reset()
		return out
	case protocol.AgentEvTurnStart:
		ctx.reset()
		return t.msgs("turn_start", nil)
	case protocol.AgentEvTurnEnd:
		return t.msgs("turn_end", nil)

	case protocol.AgentEvTextDelta:
		ctx.StreamedAssistantText += ev.Delta
		return t.msgs(protocol.TypeTextDelta, map[string]any{"delta": ev.Delta})

	case protocol.AgentEvThinkingDelta:
		ctx.HasStreamedThinking = true
		return t.msgs(protocol.TypeThinkingDelta, map[string]any{"delta": ev.Delta})

	case protocol.AgentEvMessageError:
		return t.msgs(protocol.TypeError, map[string]any{"error": ev.Error, "fatal": ev.IsError})

	case protocol.AgentEvToolExecStart:
		payload := map[string]any{"toolCallId": ev.ToolCallID}
		if len(ev.CallSegments) > 0 {
			payload["callSegments"] = ev.CallSegments
		}
		return t.msgs(protocol.TypeToolStart, payload)

	case protocol.AgentEvToolExecUpdate:
		return t.translateToolUpdate(ctx, ev)

	case protocol.AgentEvToolExecEnd:
		return t.translateToolEnd(ctx, ev)

	case protocol.AgentEvAutoCompactStart:
		return t.msgs(protocol.TypeCompactionStart, nil)
	case protocol.AgentEvAutoCompactEnd:
		payload := map[string]any{}
		if ev.Summary != "" {
			payload["summary"] = ev.Summary
		}
		return t.msgs(protocol.TypeCompactionEnd, payload)

	case protocol.AgentEvAutoRetryStart:
		return t.msgs(protocol.TypeRetryStart, nil)
	case protocol.AgentEvAutoRetryEnd:
		return t.msgs(protocol.TypeRetryEnd, nil)

	case protocol.AgentEvResponse:
		if ev.IsError {
			return t.msgs(protocol.TypeError, map[string]any{"error": ev.Error})
		}
		return nil

	case protocol.AgentEvMessageEnd:
		return t.translateMessageEnd(ctx, ev)

	case protocol.AgentEvExtensionError:
		// No client emission; server-log only (caller logs ev.Error).
		return nil

	default:
		return nil
	}
}

func (t *Translator) translateToolUpdate(ctx *TurnContext, ev protocol.AgentEvent) []protocol.ServerMessage {
	var out []protocol.ServerMessage
	prev := ctx.PartialResults[ev.ToolCallID]
	if strings.HasPrefix(ev.Text, prev) {
		delta := ev.Text[len(prev):]
		if delta != "" {
			out = append(out, t.one(protocol.TypeToolOutput, map[string]any{"toolCallId": ev.ToolCallID, "delta": delta}))
		}
	} else if ev.Text != "" {
		out = append(out, t.one(protocol.TypeToolOutput, map[string]any{"toolCallId": ev.ToolCallID, "delta": ev.Text}))
	}
	ctx.PartialResults[ev.ToolCallID] = ev.Text
	for _, m := range ev.Media {
		out = append(out, t.mediaMessage(ev.ToolCallID, m))
	}
	return out
}

func (t *Translator) translateToolEnd(ctx *TurnContext, ev protocol.AgentEvent) []protocol.ServerMessage {
	var out []protocol.ServerMessage
	prev := ctx.PartialResults[ev.ToolCallID]
	if strings.HasPrefix(ev.Text, prev) {
		tail := ev.Text[len(prev):]
		if tail != "" {
			out = append(out, t.one(protocol.TypeToolOutput, map[string]any{"toolCallId": ev.ToolCallID, "delta": tail}))
		}
	}
	delete(ctx.PartialResults, ev.ToolCallID)
	for _, m := range ev.Media {
		out = append(out, t.mediaMessage(ev.ToolCallID, m))
	}
	payload := map[string]any{"toolCallId": ev.ToolCallID, "isError": ev.IsError}
	if len(ev.Details) > 0 {
		payload["details"] = ev.Details
	}
	out = append(out, t.one(protocol.TypeToolEnd, payload))
	return out
}

// translateMessageEnd implements §4.4's message_end row: a tail
// text_delta of finalizedText - streamedAssistantText (prefix match, or
// longest-common-prefix fallback), an optional recovered thinking_delta,
// then a context reset. Append-only: it only ever emits a suffix, never
// retracts previously streamed text.
func (t *Translator) translateMessageEnd(ctx *TurnContext, ev protocol.AgentEvent) []protocol.ServerMessage {
	if ev.Role != "assistant" {
		ctx.reset()
		return t.msgs(protocol.TypeMessageEnd, nil)
	}
	var out []protocol.ServerMessage
	finalized := ev.Text
	streamed := ctx.StreamedAssistantText
	var tail string
	if strings.HasPrefix(finalized, streamed) {
		tail = finalized[len(streamed):]
	} else {
		lcp := longestCommonPrefix(finalized, streamed)
		tail = finalized[len(lcp):]
	}
	if tail != "" {
		out = append(out, t.one(protocol.TypeTextDelta, map[string]any{"delta": tail}))
	}
	if !ctx.HasStreamedThinking && ev.Delta != "" {
		out = append(out, t.one(protocol.TypeThinkingDelta, map[string]any{"delta": ev.Delta, "recovered": true}))
	}
	out = append(out, t.one(protocol.TypeMessageEnd, nil))
	ctx.reset()
	return out
}

func longestCommonPrefix(a, b string) string {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return a[:i]
}

// mediaMessage re-encodes oversized media blocks (disintegration/imaging)
// before emitting them as data-URI tool_output frames, so a large
// screenshot cannot exceed the StreamMux backpressure budget.
func (t *Translator) mediaMessage(toolCallID string, m protocol.MediaBlock) protocol.ServerMessage {
	data := m.Data
	mime := m.MimeType
	if img, _, err := image.Decode(bytes.NewReader(m.Data)); err == nil {
		b := img.Bounds()
		if b.Dx() > maxMediaDimension || b.Dy() > maxMediaDimension {
			resized := imaging.Fit(img, maxMediaDimension, maxMediaDimension, imaging.Lanczos)
			var buf bytes.Buffer
			if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(85)); err == nil {
				data = buf.Bytes()
				mime = "image/jpeg"
			}
		}
	}
	dataURI := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
	return t.one(protocol.TypeToolOutput, map[string]any{"toolCallId": toolCallID, "media": dataURI})
}

func (t *Translator) one(typ string, payload map[string]any) protocol.ServerMessage {
	return protocol.ServerMessage{Type: typ, SessionID: t.sessionID, Payload: payload}
}

func (t *Translator) msgs(typ string, payload map[string]any) []protocol.ServerMessage {
	return []protocol.ServerMessage{t.one(typ, payload)}
}
