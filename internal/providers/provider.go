// Package providers adapts LLM streaming APIs to the token stream served by
// the development backend.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// Role of a prompt message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the prompt.
type Message struct {
	Role    Role
	Content string
}

// Request is a single streaming completion request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   int
}

// system splits the system prompt off the conversation.
func (r Request) system() (string, []Message) {
	var sys []string
	out := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			sys = append(sys, m.Content)
			continue
		}
		out = append(out, m)
	}
	return strings.Join(sys, "\n\n"), out
}

// Delta is one streamed text fragment.
type Delta struct {
	Text string
}

// StreamProvider streams a completion. The delta channel is closed when the
// stream ends; the error channel receives at most one error and is closed
// after the delta channel.
type StreamProvider interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan Delta, <-chan error)
}

// ProviderError carries the HTTP status of a failed provider call.
type ProviderError struct {
	Provider   string
	StatusCode int
	RetryAfter string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Code maps the failure to the error code sent to clients.
func (e *ProviderError) Code() string {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return "provider_auth"
	case e.StatusCode >= 500:
		return "provider_unavailable"
	default:
		return "provider_error"
	}
}

func wrapError(provider string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	status, retryAfter := extractErrorMetadata(err)
	return &ProviderError{Provider: provider, StatusCode: status, RetryAfter: retryAfter, Err: err}
}

// extractErrorMetadata extracts HTTP status code and Retry-After from an SDK
// error message.
func extractErrorMetadata(err error) (int, string) {
	if err == nil {
		return 0, ""
	}

	errStr := err.Error()
	var httpStatus int
	for _, code := range []int{
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusBadRequest,
		http.StatusPaymentRequired,
	} {
		if strings.Contains(errStr, fmt.Sprint(code)) {
			httpStatus = code
			break
		}
	}

	var retryAfter string
	lower := strings.ToLower(errStr)
	for _, marker := range []string{"retry-after", "retry after"} {
		if idx := strings.Index(lower, marker); idx != -1 {
			parts := strings.Fields(strings.TrimLeft(errStr[idx+len(marker):], ": "))
			if len(parts) > 0 {
				retryAfter = parts[0]
			}
			break
		}
	}
	return httpStatus, retryAfter
}

// openAICompatible lists OpenAI-compatible endpoints selectable by name.
var openAICompatible = map[string]struct {
	baseURL, model, keyEnv string
}{
	"deepseek": {"https://api.deepseek.com/v1", "deepseek-chat", "DEEPSEEK_API_KEY"},
	"groq":     {"https://api.groq.com/openai/v1", "llama-3.1-70b-versatile", "GROQ_API_KEY"},
	"gemini":   {"https://generativelanguage.googleapis.com/v1beta/openai", "gemini-1.5-flash", "GEMINI_API_KEY"},
	"ollama":   {"http://localhost:11434/v1", "llama3.1", ""},
	"lmstudio": {"http://localhost:1234/v1", "local-model", ""},
}

// New creates a provider by name. getenv supplies API keys and defaults to
// os.Getenv. An empty name selects echo.
func New(name, model string, getenv func(string) string) (StreamProvider, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	switch name {
	case "", "echo":
		return NewEcho(0), nil

	case "openai":
		apiKey := getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		if model == "" {
			model = "gpt-4o-mini"
		}
		return NewOpenAI("openai", apiKey, model, getenv("OPENAI_BASE_URL")), nil

	case "anthropic":
		apiKey := getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
		if model == "" {
			model = "claude-3-5-haiku-latest"
		}
		return NewAnthropic(apiKey, model), nil
	}

	preset, ok := openAICompatible[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s (supported: echo, openai, anthropic, deepseek, groq, gemini, ollama, lmstudio)", name)
	}
	apiKey := name // local servers accept any key
	if preset.keyEnv != "" {
		if apiKey = getenv(preset.keyEnv); apiKey == "" {
			return nil, fmt.Errorf("%s not set", preset.keyEnv)
		}
	}
	if model == "" {
		model = preset.model
	}
	return NewOpenAI(name, apiKey, model, preset.baseURL), nil
}
