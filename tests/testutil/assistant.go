package testutil

import (
	"context"
	"fmt"
	"sync"
)

// AssistCall records one request made to a StubAssistant.
type AssistCall struct {
	Op     string // "generate" or "improve"
	UserID string
	Input  string
	Style  string
}

// StubAssistant answers generate and improve requests with canned text.
type StubAssistant struct {
	mu    sync.Mutex
	calls []AssistCall
	Err   error
}

// Generate returns a body derived from prompt and style.
func (a *StubAssistant) Generate(_ context.Context, userID, prompt, style string) (string, error) {
	return a.answer(AssistCall{Op: "generate", UserID: userID, Input: prompt, Style: style})
}

// Improve returns draft marked as improved in style.
func (a *StubAssistant) Improve(_ context.Context, userID, draft, style string) (string, error) {
	return a.answer(AssistCall{Op: "improve", UserID: userID, Input: draft, Style: style})
}

func (a *StubAssistant) answer(call AssistCall) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls = append(a.calls, call)
	if a.Err != nil {
		return "", a.Err
	}
	return fmt.Sprintf("[%s %s] %s", call.Style, call.Op, call.Input), nil
}

// Calls returns a copy of the recorded requests.
func (a *StubAssistant) Calls() []AssistCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AssistCall, len(a.calls))
	copy(out, a.calls)
	return out
}
