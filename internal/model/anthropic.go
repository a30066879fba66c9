package model

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const defaultAnthropicMaxTokens = 4096

// MessagesClient captures the subset of the Anthropic SDK client this
// provider uses, so tests can substitute a fake without an HTTP layer.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicProvider implements Provider on top of Anthropic's Messages API.
type AnthropicProvider struct {
	msg       MessagesClient
	modelID   string
	maxTokens int
}

// NewAnthropicProvider builds a provider from an existing Messages client
// (real or mock).
func NewAnthropicProvider(msg MessagesClient, modelID string, maxTokens int) (*AnthropicProvider, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if modelID == "" {
		return nil, errors.New("anthropic: model id is required")
	}
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicProvider{msg: msg, modelID: modelID, maxTokens: maxTokens}, nil
}

// NewAnthropicProviderFromAPIKey builds a provider using the default
// Anthropic HTTP client configured with apiKey.
func NewAnthropicProviderFromAPIKey(apiKey, modelID string, maxTokens int) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicProvider(&client.Messages, modelID, maxTokens)
}

func (p *AnthropicProvider) ModelID() string { return p.modelID }

func (p *AnthropicProvider) EstimateTokens(text string) int {
	return len(text) / 4
}

func (p *AnthropicProvider) params(req Request) sdk.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.modelID),
		MaxTokens: int64(maxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	return params
}

func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	msg, err := p.msg.New(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &Response{
		Text:      text,
		Model:     p.modelID,
		TokensIn:  int(msg.Usage.InputTokens),
		TokensOut: int(msg.Usage.OutputTokens),
		Metadata:  map[string]any{"stop_reason": string(msg.StopReason)},
	}, nil
}

func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (Streamer, error) {
	stream := p.msg.NewStreaming(ctx, p.params(req))
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages.new stream: %w", err)
	}
	return newAnthropicStreamer(ctx, stream, p.modelID), nil
}

type anthropicStreamer struct {
	ctx     context.Context
	cancel  context.CancelFunc
	stream  *ssestream.Stream[sdk.MessageStreamEventUnion]
	chunks  chan Chunk
	modelID string
}

func newAnthropicStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], modelID string) *anthropicStreamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &anthropicStreamer{ctx: cctx, cancel: cancel, stream: stream, chunks: make(chan Chunk, 32), modelID: modelID}
	go s.run()
	return s
}

func (s *anthropicStreamer) run() {
	defer close(s.chunks)
	defer s.stream.Close()

	var tokensOut int
	for s.stream.Next() {
		event := s.stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				select {
				case s.chunks <- Chunk{Text: delta.Text}:
				case <-s.ctx.Done():
					return
				}
			}
		case sdk.MessageDeltaEvent:
			tokensOut = int(ev.Usage.OutputTokens)
		}
	}
	select {
	case s.chunks <- Chunk{Done: true, TokensOut: tokensOut}:
	case <-s.ctx.Done():
	}
}

func (s *anthropicStreamer) Recv() (Chunk, error) {
	chunk, ok := <-s.chunks
	if !ok {
		if err := s.stream.Err(); err != nil {
			return Chunk{}, err
		}
		return Chunk{Done: true}, nil
	}
	return chunk, nil
}

func (s *anthropicStreamer) Close() error {
	s.cancel()
	return s.stream.Close()
}
