package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"kudiassist/backend/internal/config"
)

// AIClient is the single seam to the completion provider: one call per turn,
// no streaming.
type AIClient interface {
	Complete(ctx context.Context, systemPrompt, userMessage string) (string, error)
}

type OpenAIChatClient struct {
	apiKey          string
	baseURL         string
	model           string
	temperature     float64
	maxOutputTokens int
	httpClient      *http.Client
}

func NewOpenAIChatClient(cfg config.Config) *OpenAIChatClient {
	timeoutSeconds := cfg.AITimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = 20
	}
	return &OpenAIChatClient{
		apiKey:          strings.TrimSpace(cfg.OpenAIAPIKey),
		baseURL:         strings.TrimRight(strings.TrimSpace(cfg.OpenAIBaseURL), "/"),
		model:           strings.TrimSpace(cfg.OpenAIModel),
		temperature:     cfg.AITemperature,
		maxOutputTokens: cfg.AIMaxOutputTokens,
		httpClient: &http.Client{
			Timeout: time.Duration(timeoutSeconds) * time.Second,
		},
	}
}

func (c *OpenAIChatClient) Complete(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return "", errors.New("OPENAI_API_KEY is not configured")
	}
	if strings.TrimSpace(c.baseURL) == "" {
		return "", errors.New("OPENAI_BASE_URL is not configured")
	}
	if strings.TrimSpace(c.model) == "" {
		return "", errors.New("OPENAI_MODEL is not configured")
	}

	type chatMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	messages := make([]chatMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: strings.TrimSpace(systemPrompt)})
	}
	messages = append(messages, chatMessage{Role: "user", Content: strings.TrimSpace(userMessage)})

	maxTokens := c.maxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 600
	}
	payload := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": c.temperature,
		"max_tokens":  maxTokens,
	}
	bodyRaw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	request, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+"/chat/completions",
		bytes.NewReader(bodyRaw),
	)
	if err != nil {
		return "", err
	}
	request.Header.Set("Authorization", "Bearer "+c.apiKey)
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return "", err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return "", fmt.Errorf("openai chat error (%d): %s", response.StatusCode, truncateForLog(string(responseBody), 600))
	}

	answer := extractCompletionText(parseJSONStringMap(responseBody))
	if strings.TrimSpace(answer) == "" {
		return "", errors.New("openai chat answer is empty")
	}
	return answer, nil
}

func extractCompletionText(data map[string]any) string {
	choices, ok := data["choices"].([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	first, ok := choices[0].(map[string]any)
	if !ok {
		return ""
	}
	message, ok := first["message"].(map[string]any)
	if !ok {
		return ""
	}
	return strings.TrimSpace(toString(message["content"]))
}

func truncateForLog(value string, limit int) string {
	trimmed := strings.TrimSpace(value)
	if limit <= 0 || len(trimmed) <= limit {
		return trimmed
	}
	return trimmed[:limit] + "...(truncated)"
}

// MockAIClient answers deterministically for tests and local development
// without an API key. Known phrasings map to single-line intent JSON the way
// the real model is prompted to respond.
type MockAIClient struct {
	Calls int
}

func (m *MockAIClient) Complete(_ context.Context, _ string, userMessage string) (string, error) {
	m.Calls++
	question := strings.ToLower(strings.TrimSpace(userMessage))

	switch {
	case question == "":
		return `{"intent":"unclear","confidence":0.3,"reply":"Could you say a bit more about what you need?","needs_clarification":true}`, nil
	case strings.Contains(question, "spent") || strings.Contains(question, "bought"):
		name, amount := mockExtractPurchase(question)
		return fmt.Sprintf(
			`{"intent":"add_expense","confidence":0.92,"data":{"name":%q,"amount":%.2f},"reply":"Recording that expense now."}`,
			name, amount,
		), nil
	case strings.Contains(question, "how much") || strings.Contains(question, "spending"):
		return `{"intent":"query_spending","confidence":0.88,"data":{"period":"month"},"reply":"Let me pull up your spending."}`, nil
	case question == "ok" || question == "okay" || question == "thanks" || question == "thank you":
		return `{"intent":"acknowledgment","confidence":0.95,"reply":"Anytime! Let me know if you need anything else."}`, nil
	case strings.HasPrefix(question, "hi") || strings.HasPrefix(question, "hello") || strings.HasPrefix(question, "hey"):
		return `{"intent":"greeting","confidence":0.95,"reply":"Hello! I can log expenses, record income, or summarize your finances."}`, nil
	default:
		return `{"intent":"general","confidence":0.5,"reply":"I track expenses and income. Try telling me what you spent today."}`, nil
	}
}

var mockAmountPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)`)

func mockExtractPurchase(question string) (string, float64) {
	amount := 0.0
	if match := mockAmountPattern.FindStringSubmatch(question); len(match) == 2 {
		amount = extractNumberFromMap(map[string]any{"amount": match[1]}, "amount")
	}
	name := "purchase"
	if idx := strings.LastIndex(question, " on "); idx >= 0 {
		candidate := strings.TrimSpace(question[idx+len(" on "):])
		if candidate != "" {
			name = candidate
		}
	}
	return name, amount
}
