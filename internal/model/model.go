// Package model defines the streaming LLM provider interface every task
// runner drives, plus the concrete providers behind it.
package model

import (
	"context"
	"io"
)

// Request is a single-turn generation request: a system prompt (the
// agent's effective prompt-layer output) and the conversation so far.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Response is a complete, non-streaming generation result.
type Response struct {
	Text      string
	Model     string
	TokensIn  int
	TokensOut int
	Metadata  map[string]any
}

// Chunk is one piece of a streamed response. Done marks the final chunk,
// which carries no text but does carry the final token accounting.
type Chunk struct {
	Text      string
	Done      bool
	TokensOut int
}

// Streamer yields Chunks until one with Done set (callers also treat
// io.EOF as the end of the stream). Close releases any underlying
// connection before the stream is fully drained.
type Streamer interface {
	Recv() (Chunk, error)
	Close() error
}

// Provider is the interface every concrete LLM backend implements.
type Provider interface {
	// Generate performs a non-streaming completion.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Stream performs a streaming completion.
	Stream(ctx context.Context, req Request) (Streamer, error)

	// EstimateTokens gives a cheap token-count approximation for text that
	// hasn't been sent to the provider yet, used by the memory accountant
	// and the summarization engine's trigger checks.
	EstimateTokens(text string) int

	// ModelID identifies the concrete model/version in use.
	ModelID() string
}

// drainStreamer collects every chunk from a Streamer into a single
// Response, for providers whose Generate is implemented in terms of
// Stream.
func drainStreamer(s Streamer) (*Response, error) {
	defer s.Close()

	var text string
	var tokensOut int
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		text += chunk.Text
		if chunk.Done {
			tokensOut = chunk.TokensOut
			break
		}
	}
	return &Response{Text: text, TokensOut: tokensOut}, nil
}
