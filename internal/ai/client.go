package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client calls the Gemini generateContent endpoint and returns the raw text
// of the first candidate. It does not interpret the text.
type Client struct {
	http              *resty.Client
	apiKey            string
	model             string
	systemInstruction string
}

// NewClient builds a client for model. Retries are left to the caller.
func NewClient(apiKey, baseURL, model, systemInstruction string, timeout time.Duration) *Client {
	if model == "" {
		model = "gemini-2.5-flash" // Sensible default
	}
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if systemInstruction == "" {
		systemInstruction = DefaultSystemInstruction
	}
	if apiKey == "" {
		log.Println("WARNING: GEMINI_API_KEY not found. Analysis will fail and the cycle will not trade.")
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(baseURL, "/"))
	client.SetTimeout(timeout)
	client.SetHeader("Content-Type", "application/json")

	return &Client{
		http:              client,
		apiKey:            apiKey,
		model:             model,
		systemInstruction: systemInstruction,
	}
}

func (c *Client) Model() string { return c.model }

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

// Complete sends prompt and returns the model's text.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("AI client not configured")
	}

	payload := map[string]interface{}{
		"system_instruction": map[string]interface{}{
			"parts": map[string]interface{}{
				"text": c.systemInstruction,
			},
		},
		"contents": []map[string]interface{}{
			{
				"parts": []map[string]interface{}{
					{"text": prompt},
				},
			},
		},
		"generationConfig": map[string]interface{}{
			"response_mime_type": "application/json",
			"temperature":        0.2,
		},
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("key", c.apiKey).
		SetBody(payload).
		Post(fmt.Sprintf("/models/%s:generateContent", c.model))
	if err != nil {
		return "", fmt.Errorf("AI request failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("AI API error %d: %s", resp.StatusCode(), truncate(resp.String(), 300))
	}

	var result generateResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return "", fmt.Errorf("failed to decode AI response: %w", err)
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no candidates in AI response")
	}

	var sb strings.Builder
	for _, p := range result.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
