package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultImageBaseURL = "https://api.openai.com/v1"
	defaultImageModelID = "gpt-image-1"
)

// OpenAIProvider wraps the HTTP calls to an OpenAI compatible images API.
type OpenAIProvider struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelID    string
}

// NewOpenAIProviderFromEnv constructs an OpenAIProvider using environment variables.
//
// Expected variables:
//   - IMAGE_API_KEY: required API key for the provider
//   - IMAGE_BASE_URL: optional override for the API base URL (defaults to defaultImageBaseURL)
//   - IMAGE_MODEL_ID: optional override for the target model (defaults to defaultImageModelID)
func NewOpenAIProviderFromEnv() (*OpenAIProvider, error) {
	apiKey := strings.TrimSpace(os.Getenv("IMAGE_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("imagegen: IMAGE_API_KEY environment variable is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("IMAGE_BASE_URL"))
	if baseURL == "" {
		baseURL = defaultImageBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("imagegen: invalid base URL %q", baseURL)
	}

	modelID := strings.TrimSpace(os.Getenv("IMAGE_MODEL_ID"))
	if modelID == "" {
		modelID = defaultImageModelID
	}

	httpClient := &http.Client{Timeout: 60 * time.Second}

	return &OpenAIProvider{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
		modelID:    modelID,
	}, nil
}

// Name 返回后端标识。
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// imageGenerationRequest represents the request body sent to the images API.
type imageGenerationRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
}

// imageGenerationResponse captures the subset of fields we consume.
type imageGenerationResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate 调用远端图像接口并返回解码后的图像字节。
// 本地校验失败直接返回哨兵错误；远端失败包装为 GenerationError。
func (p *OpenAIProvider) Generate(ctx context.Context, prompt, size string) ([]byte, error) {
	if p == nil {
		return nil, errors.New("imagegen: provider is nil")
	}
	if err := validatePrompt(prompt); err != nil {
		return nil, err
	}
	if strings.TrimSpace(size) == "" {
		size = DefaultSize
	}

	payload := imageGenerationRequest{
		Model:          p.modelID,
		Prompt:         prompt,
		N:              1,
		Size:           size,
		ResponseFormat: "b64_json",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("imagegen: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("imagegen: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &GenerationError{Provider: p.Name(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024*1024))
	if err != nil {
		return nil, &GenerationError{Provider: p.Name(), Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		var parsed imageGenerationResponse
		message := strings.TrimSpace(string(raw))
		if jsonErr := json.Unmarshal(raw, &parsed); jsonErr == nil && parsed.Error != nil && parsed.Error.Message != "" {
			message = parsed.Error.Message
		}
		return nil, &GenerationError{Provider: p.Name(), Err: fmt.Errorf("status %d: %s", resp.StatusCode, message)}
	}

	var parsed imageGenerationResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &GenerationError{Provider: p.Name(), Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Data) == 0 || strings.TrimSpace(parsed.Data[0].B64JSON) == "" {
		return nil, &GenerationError{Provider: p.Name(), Err: errors.New("empty image payload")}
	}

	data, err := base64.StdEncoding.DecodeString(parsed.Data[0].B64JSON)
	if err != nil {
		return nil, &GenerationError{Provider: p.Name(), Err: fmt.Errorf("decode image payload: %w", err)}
	}

	return data, nil
}
