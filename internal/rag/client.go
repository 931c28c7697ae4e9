// Package rag is the boundary to the external answer-generation service.
// The service is stateless per call; all conversational continuity is
// re-supplied by the caller through the conversation key.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"eduassist/internal/config"
)

// SourceDocument is one retrieved citation attached to an answer.
type SourceDocument struct {
	PageContent string         `json:"pageContent"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Response is the delegate's answer to one question.
type Response struct {
	Text            string
	SessionID       string
	TokensUsed      int
	SourceDocuments []SourceDocument
}

// Delegate is the narrow contract the orchestrator consumes.
type Delegate interface {
	SendMessage(ctx context.Context, question, conversationKey string, overrideConfig map[string]any, model string) (*Response, error)
	GenerateTitle(ctx context.Context, userMessage, aiResponse string) (string, error)
}

// defaultFallbackPhrases are the delegate's known "I don't know"
// boilerplate openers. Matching is exact-prefix and case-insensitive;
// the list is configurable but these literals are the observed behavior.
var defaultFallbackPhrases = []string{
	"Hmm, I'm not sure.",
	"Hmm, tôi không chắc.",
	"Tôi không chắc chắn.",
	"Tôi không tìm thấy thông tin.",
	"Xin lỗi, tôi không thể trả lời.",
}

const DefaultApology = "Xin lỗi, tôi chưa tìm thấy thông tin chính xác trong cơ sở dữ liệu. Bạn vui lòng cung cấp thêm chi tiết để tôi có thể hỗ trợ tốt hơn nhé."

// Client talks to a Flowise-compatible prediction API. Each configured
// model name routes to its own chatflow id.
type Client struct {
	http            *http.Client
	baseURL         string
	apiKey          string
	chatflows       map[string]string
	defaultModel    string
	fallbackPhrases []string
	apology         string
}

func NewClient(cfg config.FlowiseConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	chatflows := make(map[string]string, len(cfg.Models))
	for name, id := range cfg.Models {
		chatflows[strings.ToLower(name)] = id
	}
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "Gemini"
	}
	phrases := cfg.FallbackPhrases
	if len(phrases) == 0 {
		phrases = defaultFallbackPhrases
	}
	apology := cfg.Apology
	if apology == "" {
		apology = DefaultApology
	}
	return &Client{
		http:            &http.Client{Timeout: timeout},
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:          cfg.APIKey,
		chatflows:       chatflows,
		defaultModel:    defaultModel,
		fallbackPhrases: phrases,
		apology:         apology,
	}
}

type predictionRequest struct {
	Question       string         `json:"question"`
	SessionID      string         `json:"sessionId,omitempty"`
	OverrideConfig map[string]any `json:"overrideConfig,omitempty"`
}

type predictionResponse struct {
	Text            string           `json:"text"`
	SessionID       string           `json:"sessionId,omitempty"`
	SourceDocuments []SourceDocument `json:"sourceDocuments,omitempty"`
	UsedTokens      *int             `json:"usedTokens,omitempty"`
	Usage           *tokenUsage      `json:"usage,omitempty"`
}

type tokenUsage struct {
	TotalTokens      *int `json:"totalTokens,omitempty"`
	PromptTokens     *int `json:"promptTokens,omitempty"`
	CompletionTokens *int `json:"completionTokens,omitempty"`
}

// SendMessage posts the question to the chatflow serving the model and
// normalizes known fallback openers into the standard apology.
func (c *Client) SendMessage(ctx context.Context, question, conversationKey string, overrideConfig map[string]any, model string) (*Response, error) {
	chatflowID, err := c.chatflowFor(model)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(predictionRequest{
		Question:       question,
		SessionID:      conversationKey,
		OverrideConfig: overrideConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("encode prediction request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/prediction/%s", c.baseURL, chatflowID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call prediction api: %w", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("prediction api http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out predictionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode prediction response: %w", err)
	}

	tokens := 0
	if out.UsedTokens != nil {
		tokens = *out.UsedTokens
	} else if out.Usage != nil && out.Usage.TotalTokens != nil {
		tokens = *out.Usage.TotalTokens
	}

	return &Response{
		Text:            c.normalize(out.Text),
		SessionID:       out.SessionID,
		TokensUsed:      tokens,
		SourceDocuments: out.SourceDocuments,
	}, nil
}

// GenerateTitle asks the delegate to summarize the first exchange into a
// short title. An empty or overlong answer falls back to truncating the
// user message; only transport failures surface as errors.
func (c *Client) GenerateTitle(ctx context.Context, userMessage, aiResponse string) (string, error) {
	prompt := fmt.Sprintf(
		"Summarize the following conversation into a short, concise title (max 5-7 words). Do not use quotes or prefixes like 'Title:'. just the title text itself.\n\nUser: %s\nAI: %s",
		clip(userMessage, 500), clip(aiResponse, 500),
	)

	// empty conversation key keeps the summarization out of any thread
	resp, err := c.SendMessage(ctx, prompt, "", nil, c.defaultModel)
	if err != nil {
		return "", err
	}

	title := strings.TrimSpace(resp.Text)
	title = strings.Trim(title, `"'`)
	if title == "" || len([]rune(title)) > 100 {
		return truncateTitle(userMessage), nil
	}
	log.Printf("generated conversation title: %s", title)
	return title, nil
}

func (c *Client) chatflowFor(model string) (string, error) {
	if model == "" {
		model = c.defaultModel
	}
	if id, ok := c.chatflows[strings.ToLower(model)]; ok {
		return id, nil
	}
	if id, ok := c.chatflows[strings.ToLower(c.defaultModel)]; ok {
		return id, nil
	}
	for _, id := range c.chatflows {
		return id, nil
	}
	return "", fmt.Errorf("model %q not configured and no default available", model)
}

// normalize substitutes the standard apology when the text opens with a
// known fallback phrase. Presentation policy, not a correctness contract.
func (c *Client) normalize(text string) string {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)
	for _, phrase := range c.fallbackPhrases {
		if strings.HasPrefix(lower, strings.ToLower(phrase)) {
			return c.apology
		}
	}
	return text
}

func truncateTitle(userMessage string) string {
	runes := []rune(userMessage)
	if len(runes) > 50 {
		return string(runes[:47]) + "..."
	}
	return userMessage
}

func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max])
	}
	return s
}
