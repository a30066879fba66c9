package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoProvider_Generate(t *testing.T) {
	p := NewEchoProvider()
	resp, err := p.Generate(context.Background(), Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "Echo: hello", resp.Text)
	assert.Equal(t, "echo", resp.Model)
}

func TestEchoProvider_StreamReassemblesFullText(t *testing.T) {
	p := NewEchoProvider()
	s, err := p.Stream(context.Background(), Request{Prompt: "a longer prompt than ten characters"})
	require.NoError(t, err)
	defer s.Close()

	var text string
	for {
		chunk, err := s.Recv()
		if chunk.Done {
			break
		}
		require.NoError(t, err)
		text += chunk.Text
	}
	assert.Equal(t, "Echo: a longer prompt than ten characters", text)
}

func TestDrainStreamer(t *testing.T) {
	p := NewEchoProvider()
	s, err := p.Stream(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)

	resp, err := drainStreamer(s)
	require.NoError(t, err)
	assert.Equal(t, "Echo: hi", resp.Text)
}
