package model

import (
	"context"
	"fmt"
)

const echoChunkSize = 10

// EchoProvider returns its input back as a deterministic, no-network
// response — useful in tests and in standalone mode.
type EchoProvider struct{}

// NewEchoProvider builds an EchoProvider.
func NewEchoProvider() *EchoProvider { return &EchoProvider{} }

func (p *EchoProvider) ModelID() string { return "echo" }

func (p *EchoProvider) EstimateTokens(text string) int {
	return len(text) / 4
}

func (p *EchoProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	text := fmt.Sprintf("Echo: %s", req.Prompt)
	return &Response{
		Text:      text,
		Model:     p.ModelID(),
		TokensOut: p.EstimateTokens(text),
		Metadata:  map[string]any{"provider": "echo"},
	}, nil
}

func (p *EchoProvider) Stream(ctx context.Context, req Request) (Streamer, error) {
	text := fmt.Sprintf("Echo: %s", req.Prompt)
	var chunks []string
	for i := 0; i < len(text); i += echoChunkSize {
		end := i + echoChunkSize
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[i:end])
	}
	return &echoStreamer{chunks: chunks, estimate: p.EstimateTokens}, nil
}

type echoStreamer struct {
	chunks   []string
	idx      int
	estimate func(string) int
	closed   bool
}

func (s *echoStreamer) Recv() (Chunk, error) {
	if s.idx >= len(s.chunks) {
		return Chunk{Done: true}, nil
	}
	text := s.chunks[s.idx]
	s.idx++
	if s.idx >= len(s.chunks) {
		return Chunk{Text: text}, nil
	}
	return Chunk{Text: text, TokensOut: s.estimate(text)}, nil
}

func (s *echoStreamer) Close() error {
	s.closed = true
	return nil
}
