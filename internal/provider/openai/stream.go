package openai

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/lumenclass/aigateway/internal/provider"
)

// chunkStream decodes the Chat Completions SSE stream. The final frame before
// [DONE] carries usage when stream_options.include_usage is set.
type chunkStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  func()

	inputTokens  int
	outputTokens int
	finished     bool

	closeOnce sync.Once
}

func newChunkStream(body io.ReadCloser, cancel func()) *chunkStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &chunkStream{body: body, scanner: sc, cancel: cancel}
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Next returns the next text chunk. On [DONE] it emits one final chunk with
// the accumulated token counts, then io.EOF.
func (s *chunkStream) Next() (provider.Chunk, error) {
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
		if data == "[DONE]" {
			s.finished = true
			return provider.Chunk{InputTokens: s.inputTokens, OutputTokens: s.outputTokens}, nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			slog.Warn("dropping malformed stream frame", "provider", providerName, "error", err)
			continue
		}

		if chunk.Usage != nil {
			s.inputTokens = chunk.Usage.PromptTokens
			s.outputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			return provider.Chunk{Text: chunk.Choices[0].Delta.Content}, nil
		}
	}

	if err := s.scanner.Err(); err != nil {
		return provider.Chunk{}, provider.NewError(providerName, 0, provider.CodeNetwork, err.Error())
	}

	s.finished = true
	return provider.Chunk{InputTokens: s.inputTokens, OutputTokens: s.outputTokens}, nil
}

func (s *chunkStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
		if s.cancel != nil {
			s.cancel()
		}
	})
	return err
}
