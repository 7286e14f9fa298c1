// Package stream relays a provider's incremental response to an HTTP client
// as server-sent events while accumulating the totals needed for a usage
// record.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lumenclass/aigateway/internal/provider"
)

// Result summarizes a completed relay. Exactly one usage record is written
// from it regardless of how the stream ended.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
	// Err is the provider error that ended the stream early, nil on a clean
	// finish.
	Err error
	// ClientGone is true when the caller disconnected before the stream
	// finished. The provider stream is still drained for usage totals.
	ClientGone bool
}

type textEvent struct {
	Text string `json:"text"`
}

type doneEvent struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type errorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Relay pulls chunks from s and writes them to w as SSE frames until the
// stream ends. The caller owns closing s. Relay never writes after the first
// failed write; it keeps consuming the provider stream so token totals stay
// accurate.
func Relay(w http.ResponseWriter, s provider.Stream) Result {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, _ := w.(http.Flusher)
	var res Result
	var text strings.Builder

	writeEvent := func(event string, payload any) {
		if res.ClientGone {
			return
		}
		data, err := json.Marshal(payload)
		if err != nil {
			slog.Error("failed to encode stream event", "event", event, "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			res.ClientGone = true
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	for {
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Err = err
			code, message := describeError(err)
			writeEvent("error", errorEvent{Code: code, Message: message})
			break
		}

		if chunk.InputTokens > 0 {
			res.InputTokens = chunk.InputTokens
		}
		if chunk.OutputTokens > 0 {
			res.OutputTokens = chunk.OutputTokens
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			writeEvent("text", textEvent{Text: chunk.Text})
		}
	}

	res.Text = text.String()
	if res.Err == nil {
		writeEvent("done", doneEvent{
			InputTokens:  res.InputTokens,
			OutputTokens: res.OutputTokens,
		})
	}
	return res
}

func describeError(err error) (code, message string) {
	if pe := provider.AsError(err); pe != nil {
		return pe.Code, pe.Message
	}
	return provider.CodeUpstream, "the AI service failed mid-stream"
}
