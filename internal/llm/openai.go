package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/everstacklabs/evalcore/internal/httpclient"
)

// OpenAIClient implements Client and Embedder for OpenAI-compatible APIs
// (OpenAI, OpenRouter, Together, Mistral, xAI, DeepSeek).
type OpenAIClient struct {
	baseURL string
	client  *httpclient.Client
}

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint.
// client should already carry the provider's bearer token.
func NewOpenAIClient(baseURL string, client *httpclient.Client) *OpenAIClient {
	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

type openaiRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Messages    []openaiMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	Seed        *int            `json:"seed,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *OpenAIClient) Complete(ctx context.Context, in Completion) (string, error) {
	reqBody := openaiRequest{
		Model:       in.Model,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		Seed:        in.Seed,
	}
	if in.System != "" {
		reqBody.Messages = append(reqBody.Messages, openaiMessage{Role: "system", Content: in.System})
	}
	for _, m := range in.Messages {
		reqBody.Messages = append(reqBody.Messages, openaiMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := c.client.PostJSON(ctx, c.baseURL+"/chat/completions", nil, reqBody)
	if err != nil {
		return "", err
	}

	var openaiResp openaiResponse
	if err := json.Unmarshal(resp.Body, &openaiResp); err != nil {
		return "", fmt.Errorf("unmarshaling response: %w", err)
	}

	if openaiResp.Error != nil {
		return "", fmt.Errorf("openai error: %s: %s", openaiResp.Error.Type, openaiResp.Error.Message)
	}

	if len(openaiResp.Choices) == 0 || openaiResp.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}

	return openaiResp.Choices[0].Message.Content, nil
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func (c *OpenAIClient) Embed(ctx context.Context, model, text string) ([]float64, error) {
	resp, err := c.client.PostJSON(ctx, c.baseURL+"/embeddings", nil, embeddingRequest{Model: model, Input: text})
	if err != nil {
		return nil, err
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(resp.Body, &embResp); err != nil {
		return nil, fmt.Errorf("unmarshaling embedding response: %w", err)
	}
	if len(embResp.Data) == 0 {
		return nil, ErrEmptyResponse
	}
	return embResp.Data[0].Embedding, nil
}
