// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, time.Second, calculateBackoff(1))
	assert.Equal(t, 2*time.Second, calculateBackoff(2))
	assert.Equal(t, retryMaxDelay, calculateBackoff(10))
}

func TestOpenAIBackend_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	b := NewOpenAIBackend(OpenAIConfig{BaseURL: server.URL + "/", APIKey: "sk-test", Model: "gpt-test"}, nil)
	out, err := b.Chat(context.Background(), []Message{NewSystemMessage("s"), NewUserMessage("ping")})
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
	assert.Len(t, b.KeyFingerprint(), 8)
}

func TestOpenAIBackend_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":"rate_limit_exceeded","message":"Request too large for model"}}`))
	}))
	defer server.Close()

	b := NewOpenAIBackend(OpenAIConfig{BaseURL: server.URL, APIKey: "k", MaxRetries: 3}, nil)
	b.retry.sleep = noSleep

	_, err := b.Chat(context.Background(), []Message{NewUserMessage("x")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, int32(3), calls.Load())

	resp := errorResponse(err)
	assert.True(t, IsErrorResponse(resp))
	assert.True(t, IsRateLimit(resp))
}

func TestOpenAIBackend_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer server.Close()

	b := NewOpenAIBackend(OpenAIConfig{BaseURL: server.URL, APIKey: "k"}, nil)
	b.retry.sleep = noSleep

	_, err := b.Chat(context.Background(), []Message{NewUserMessage("x")})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusUnauthorized, te.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAIBackend_NoKey(t *testing.T) {
	b := NewOpenAIBackend(OpenAIConfig{}, nil)
	_, err := b.Chat(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestOllamaBackend_Chat(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, -1, req.KeepAlive)
		w.Write([]byte(`{"model":"m","message":{"role":"assistant","content":"hello"},"done":true}`))
	}))
	defer server.Close()

	b := NewOllamaBackend(OllamaConfig{BaseURL: server.URL, Model: "m"}, nil)
	b.retry.sleep = noSleep

	out, err := b.Chat(context.Background(), []Message{NewUserMessage("hi")})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Equal(t, int32(2), calls.Load())
}
