package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/everstacklabs/evalcore/internal/httpclient"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicClient implements Client using the Anthropic Messages API.
type AnthropicClient struct {
	apiKey  string
	baseURL string
	client  *httpclient.Client
}

// NewAnthropicClient creates a client for the Anthropic Messages API.
func NewAnthropicClient(apiKey, baseURL string, client *httpclient.Client) *AnthropicClient {
	return &AnthropicClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *AnthropicClient) Complete(ctx context.Context, in Completion) (string, error) {
	reqBody := anthropicRequest{
		Model:       in.Model,
		MaxTokens:   in.MaxTokens,
		System:      in.System,
		Temperature: in.Temperature,
	}
	if reqBody.MaxTokens == 0 {
		reqBody.MaxTokens = anthropicDefaultMaxTokens
	}
	// System turns go in the top-level field.
	for _, m := range in.Messages {
		if m.Role == "system" {
			if reqBody.System != "" {
				reqBody.System += "\n\n"
			}
			reqBody.System += m.Content
			continue
		}
		reqBody.Messages = append(reqBody.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": "2023-06-01",
	}

	resp, err := c.client.PostJSON(ctx, c.baseURL+"/messages", headers, reqBody)
	if err != nil {
		return "", err
	}

	var anthropicResp anthropicResponse
	if err := json.Unmarshal(resp.Body, &anthropicResp); err != nil {
		return "", fmt.Errorf("unmarshaling response: %w", err)
	}

	if anthropicResp.Error != nil {
		return "", fmt.Errorf("anthropic error: %s: %s", anthropicResp.Error.Type, anthropicResp.Error.Message)
	}

	var b strings.Builder
	for _, block := range anthropicResp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return b.String(), nil
}
