package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailscheduler/internal/model"
)

func TestGenerate(t *testing.T) {
	var got apiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, messagesPath, r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_ = json.NewEncoder(w).Encode(apiResponse{
			Content: []apiContentBlock{
				{Type: "text", Text: "Hi Bob,\n"},
				{Type: "text", Text: "See you at noon."},
			},
		})
	}))
	defer srv.Close()

	a := New("test-key", Options{BaseURL: srv.URL, Model: "test-model"})
	text, err := a.Generate(context.Background(), "user-1", "lunch with bob", model.StyleFriendly)
	require.NoError(t, err)

	assert.Equal(t, "Hi Bob,\nSee you at noon.", text)
	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, defaultMaxTokens, got.MaxTokens)
	assert.Contains(t, got.System, "friendly")
	require.NotNil(t, got.Metadata)
	assert.Equal(t, "user-1", got.Metadata.UserID)
	require.Len(t, got.Messages, 1)
	assert.Contains(t, got.Messages[0].Content[0].Text, "lunch with bob")
}

func TestImproveIncludesDraft(t *testing.T) {
	var got apiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(apiResponse{
			Content: []apiContentBlock{{Type: "text", Text: "Dear Bob,"}},
		})
	}))
	defer srv.Close()

	a := New("k", Options{BaseURL: srv.URL})
	text, err := a.Improve(context.Background(), "", "hey bob", model.StyleFormal)
	require.NoError(t, err)
	assert.Equal(t, "Dear Bob,", text)
	assert.Contains(t, got.Messages[0].Content[0].Text, "hey bob")
	assert.Nil(t, got.Metadata)
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer srv.Close()

	a := New("k", Options{BaseURL: srv.URL})
	_, err := a.Generate(context.Background(), "", "x", model.StyleCasual)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "rate_limit_error", apiErr.Type)
	assert.Equal(t, "slow down", apiErr.Message)
}

func TestEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(apiResponse{})
	}))
	defer srv.Close()

	a := New("k", Options{BaseURL: srv.URL})
	_, err := a.Generate(context.Background(), "", "x", model.StyleCasual)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	a := New("k", Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := a.Generate(context.Background(), "", "x", model.StyleCasual)
	assert.Error(t, err)
}

func TestRejectsBadInput(t *testing.T) {
	a := New("k", Options{BaseURL: "http://127.0.0.1:1"})

	_, err := a.Generate(context.Background(), "", "x", "poetic")
	assert.ErrorIs(t, err, model.ErrUnknownStyle)

	_, err = a.Improve(context.Background(), "", "   ", model.StyleCasual)
	assert.Error(t, err)
}
