package services

import (
	"bytes"
	gocontext "context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alphabatem/common/context"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

// CompletionProvider produces the assistant reply for one queued request.
// WorkerService depends on this interface so tests can substitute a stub.
type CompletionProvider interface {
	Complete(ctx gocontext.Context, userMessage, conversationContext string) (string, error)
}

// CompletionService calls an OpenAI-compatible chat completions endpoint with
// a fixed Socratic tutor prompt. Transport failures and non-2xx responses are
// returned as errors; the worker decides whether to retry.
type CompletionService struct {
	context.DefaultService

	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

const COMPLETION_SVC = "completion_svc"

const socraticSystemPrompt = `You are a Socratic tutor. Never hand the student the answer.
Respond to every message with guiding questions that expose assumptions,
probe reasoning, and lead the student one step closer to discovering the
answer themselves. Keep each reply short: one or two questions at most.`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("completion: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (svc CompletionService) Id() string {
	return COMPLETION_SVC
}

func (svc *CompletionService) Configure(ctx *context.Context) error {
	svc.baseURL = strings.TrimRight(os.Getenv("OPENAI_BASE_URL"), "/")
	if svc.baseURL == "" {
		svc.baseURL = "https://api.openai.com/v1"
	}
	svc.apiKey = os.Getenv("OPENAI_API_KEY")
	svc.model = os.Getenv("OPENAI_MODEL")
	if svc.model == "" {
		svc.model = "gpt-4o-mini"
	}
	svc.httpClient = &http.Client{Timeout: envDuration("COMPLETION_TIMEOUT", 60*time.Second)}

	return svc.DefaultService.Configure(ctx)
}

func (svc *CompletionService) Start() error {
	if svc.apiKey == "" {
		log.Warn("OPENAI_API_KEY not set, completion requests will fail")
	}
	return nil
}

func (svc *CompletionService) Complete(ctx gocontext.Context, userMessage, conversationContext string) (string, error) {
	if svc.apiKey == "" {
		return "", errors.New("completion: API key not configured")
	}

	messages := []chatMessage{{Role: "system", Content: socraticSystemPrompt}}
	if conversationContext != "" {
		messages = append(messages, chatMessage{Role: "system", Content: "Conversation so far:\n" + conversationContext})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userMessage})

	body, err := sonic.Marshal(chatRequest{
		Model:       svc.model,
		Messages:    messages,
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("completion: marshal request: %w", err)
	}

	url := svc.baseURL + "/chat/completions"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("completion: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+svc.apiKey)

	res, err := svc.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion: request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("completion: read response: %w", err)
	}

	var payload chatResponse
	if err := sonic.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("completion: decode response: %w", err)
	}
	if len(payload.Choices) == 0 {
		return "", errors.New("completion: no choices in response")
	}

	return payload.Choices[0].Message.Content, nil
}
