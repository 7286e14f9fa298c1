package anthropic

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/lumenclass/aigateway/internal/provider"
)

// eventStream decodes the Messages API server-sent event stream into
// provider-agnostic chunks. Malformed frames are dropped with a log line
// rather than failing the whole response.
type eventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  func()

	inputTokens  int
	outputTokens int
	finished     bool

	closeOnce sync.Once
}

func newEventStream(body io.ReadCloser, cancel func()) *eventStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &eventStream{body: body, scanner: sc, cancel: cancel}
}

// SSE event payloads we care about. Everything else (ping, content_block_start,
// content_block_stop) is skipped.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Next returns the next text chunk. After message_stop it emits one final
// chunk carrying the accumulated token counts, then io.EOF.
func (s *eventStream) Next() (provider.Chunk, error) {
	if s.finished {
		return provider.Chunk{}, io.EOF
	}

	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			slog.Warn("dropping malformed stream frame", "provider", providerName, "error", err)
			continue
		}

		switch ev.Type {
		case "message_start":
			s.inputTokens = ev.Message.Usage.InputTokens
		case "content_block_delta":
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				return provider.Chunk{Text: ev.Delta.Text}, nil
			}
		case "message_delta":
			if ev.Usage.OutputTokens > 0 {
				s.outputTokens = ev.Usage.OutputTokens
			}
		case "message_stop":
			s.finished = true
			return provider.Chunk{InputTokens: s.inputTokens, OutputTokens: s.outputTokens}, nil
		case "error":
			s.finished = true
			return provider.Chunk{}, provider.NewError(providerName, 0, provider.CodeUpstream,
				"provider error mid-stream")
		}
	}

	if err := s.scanner.Err(); err != nil {
		return provider.Chunk{}, provider.NewError(providerName, 0, provider.CodeNetwork, err.Error())
	}

	// Stream ended without message_stop; surface what we have.
	s.finished = true
	return provider.Chunk{InputTokens: s.inputTokens, OutputTokens: s.outputTokens}, nil
}

func (s *eventStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
		if s.cancel != nil {
			s.cancel()
		}
	})
	return err
}
