// Copyright (C) 2026 Streamgate Contributors
// Tests for chat datatype validation

package datatypes

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatRequest_Validate(t *testing.T) {
	req := ChatRequest{Prompt: "hello"}
	assert.NoError(t, req.Validate())
}

func TestChatRequest_RejectsEmptyPrompt(t *testing.T) {
	req := ChatRequest{}
	assert.Error(t, req.Validate())
}

func TestChatRequest_RejectsOversizedPrompt(t *testing.T) {
	req := ChatRequest{Prompt: strings.Repeat("a", MaxPromptBytes+1)}
	err := req.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxbytes")
}

func TestChatRequest_PromptAtLimitIsAccepted(t *testing.T) {
	req := ChatRequest{Prompt: strings.Repeat("a", MaxPromptBytes)}
	assert.NoError(t, req.Validate())
}

func TestChatRequest_RejectsNonAlphanumProvider(t *testing.T) {
	req := ChatRequest{Prompt: "hi", Provider: "not a provider!"}
	assert.Error(t, req.Validate())
}
