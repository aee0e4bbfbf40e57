package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bobarin/storyreel/internal/models"
	"github.com/rs/zerolog/log"
)

const (
	geminiModel   = "gemini-3-pro-image-preview"
	geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
)

// GeminiService generates images through the Gemini REST API.
type GeminiService struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

func NewGeminiService(apiKey string) *GeminiService {
	return &GeminiService{
		apiKey:  apiKey,
		baseURL: geminiBaseURL,
		model:   geminiModel,
		client:  &http.Client{Timeout: 300 * time.Second},
	}
}

// WithBaseURL returns a copy of the service that calls baseURL instead of the
// public endpoint.
func (s *GeminiService) WithBaseURL(baseURL string) *GeminiService {
	cp := *s
	cp.baseURL = strings.TrimRight(baseURL, "/")
	return &cp
}

// Gemini API request/response structures
type GeminiGenerateContentRequest struct {
	Contents         []GeminiContent         `json:"contents"`
	GenerationConfig *GeminiGenerationConfig `json:"generationConfig,omitempty"`
}

type GeminiGenerationConfig struct {
	ResponseModalities []string           `json:"responseModalities,omitempty"`
	ImageConfig        *GeminiImageConfig `json:"imageConfig,omitempty"`
}

type GeminiImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
}

type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

type GeminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *GeminiInlineData `json:"inlineData,omitempty"`
}

type GeminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type GeminiGenerateContentResponse struct {
	Candidates []GeminiCandidate `json:"candidates"`
}

type GeminiCandidate struct {
	Content GeminiContent `json:"content"`
}

// GenerateImage renders one frame. When req.Reference is set it is sent along
// so the frame stays consistent with it. Each call is independent.
func (s *GeminiService) GenerateImage(ctx context.Context, req models.ImageRequest) (*models.Media, error) {
	aspectRatio := req.AspectRatio
	if aspectRatio == "" {
		aspectRatio = models.DefaultAspectRatio
	}

	parts := []GeminiPart{{Text: composeImagePrompt(req, aspectRatio)}}
	if req.Reference != nil && len(req.Reference.Data) > 0 {
		mimeType := req.Reference.MimeType
		if mimeType == "" {
			mimeType = http.DetectContentType(req.Reference.Data)
		}
		parts = append(parts, GeminiPart{
			InlineData: &GeminiInlineData{
				MimeType: mimeType,
				Data:     base64.StdEncoding.EncodeToString(req.Reference.Data),
			},
		})
	}

	reqBody := GeminiGenerateContentRequest{
		Contents: []GeminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &GeminiGenerationConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
			ImageConfig:        &GeminiImageConfig{AspectRatio: aspectRatio},
		},
	}

	log.Debug().Str("model", s.model).Int("prompt_len", len(req.Prompt)).Bool("reference", req.Reference != nil).Msg("[Gemini] generating image")
	return s.doGenerateContent(ctx, reqBody)
}

func (s *GeminiService) doGenerateContent(ctx context.Context, reqBody GeminiGenerateContentRequest) (*models.Media, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", s.baseURL, s.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gemini returned status %d: %s", resp.StatusCode, truncateString(string(bodyBytes), 500))
	}

	var geminiResp GeminiGenerateContentResponse
	if err := json.Unmarshal(bodyBytes, &geminiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(geminiResp.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in response")
	}

	var textParts []string
	for _, part := range geminiResp.Candidates[0].Content.Parts {
		if part.InlineData != nil && part.InlineData.Data != "" {
			imageData, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 image: %w", err)
			}
			log.Info().Int("bytes", len(imageData)).Str("mime", part.InlineData.MimeType).Msg("[Gemini] image generated")
			return &models.Media{Data: imageData, MimeType: part.InlineData.MimeType}, nil
		}
		if part.Text != "" {
			textParts = append(textParts, part.Text)
		}
	}

	if len(textParts) > 0 {
		return nil, fmt.Errorf("gemini returned text instead of image: %s", truncateString(textParts[0], 200))
	}
	return nil, fmt.Errorf("no image data found in response (got %d parts, none with inlineData)", len(geminiResp.Candidates[0].Content.Parts))
}

func composeImagePrompt(req models.ImageRequest, aspectRatio string) string {
	var prompt strings.Builder

	if req.Reference != nil {
		prompt.WriteString("CONTINUITY: The attached image is the previous frame of this shot. Keep its characters, setting, palette and rendering style.\n\n")
	}
	if req.ArtStyle != "" {
		prompt.WriteString(fmt.Sprintf("VISUAL STYLE: Render this scene in a \"%s\" aesthetic.\n\n", req.ArtStyle))
	}

	prompt.WriteString("SCENE TO DEPICT:\n")
	prompt.WriteString(req.Prompt)

	orientLabel := "Portrait"
	switch aspectRatio {
	case "16:9":
		orientLabel = "Landscape"
	case "1:1":
		orientLabel = "Square"
	case "4:5":
		orientLabel = "Tall"
	}
	prompt.WriteString(fmt.Sprintf("\n\nOutput: %s %s, no text or captions in the image.", orientLabel, aspectRatio))

	return prompt.String()
}
