package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bobarin/storyreel/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultScriptModel = "gpt-5-mini"
	maxScenes          = 12
	maxLogLen          = 2000
)

type OpenAIService struct {
	client *openai.Client
	model  string
}

// NewOpenAIServiceWithConfig points the service at a compatible endpoint and
// model. Empty values keep the defaults.
func NewOpenAIServiceWithConfig(apiKey, baseURL, model string) *OpenAIService {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = defaultScriptModel
	}
	return &OpenAIService{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// scenePlan is one scene as the model returns it.
type scenePlan struct {
	Narrator          string `json:"narrator"`
	ImagePromptStart  string `json:"image_prompt_start"`
	ImagePromptEnd    string `json:"image_prompt_end"`
	MotionDescription string `json:"motion_description"`
}

type scriptPlan struct {
	Scenes []scenePlan `json:"scenes"`
}

// GenerateScript breaks a story into scenes using JSON mode. Every returned
// scene has a fresh id, its index, a narrator line and a start image prompt.
func (s *OpenAIService) GenerateScript(ctx context.Context, story, artStyle string) ([]models.Scene, error) {
	if strings.TrimSpace(story) == "" {
		return nil, fmt.Errorf("story is empty")
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: buildScriptSystemPrompt(artStyle),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: fmt.Sprintf("Story:\n%s", story),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from openai")
	}

	rawContent := resp.Choices[0].Message.Content

	var plan scriptPlan
	if err := json.Unmarshal([]byte(rawContent), &plan); err != nil {
		log.Warn().Err(err).Str("raw", truncateString(rawContent, maxLogLen)).Msg("[OpenAI script] parse failed")
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	if len(plan.Scenes) == 0 {
		log.Warn().Str("raw", truncateString(rawContent, maxLogLen)).Msg("[OpenAI script] script has no scenes")
		return nil, fmt.Errorf("script has no scenes")
	}
	if len(plan.Scenes) > maxScenes {
		log.Warn().Int("scenes", len(plan.Scenes)).Msg("[OpenAI script] trimming script")
		plan.Scenes = plan.Scenes[:maxScenes]
	}

	scenes := make([]models.Scene, len(plan.Scenes))
	for i, sp := range plan.Scenes {
		var missing []string
		if strings.TrimSpace(sp.Narrator) == "" {
			missing = append(missing, "narrator")
		}
		if strings.TrimSpace(sp.ImagePromptStart) == "" {
			missing = append(missing, "image_prompt_start")
		}
		if len(missing) > 0 {
			log.Warn().Int("scene", i).Strs("missing", missing).Str("raw", truncateString(rawContent, maxLogLen)).Msg("[OpenAI script] scene missing required fields")
			return nil, fmt.Errorf("scene %d missing required fields: %v", i, missing)
		}

		scenes[i] = models.Scene{
			ID:                uuid.NewString(),
			Index:             i + 1,
			Narrator:          strings.TrimSpace(sp.Narrator),
			ImagePromptStart:  strings.TrimSpace(sp.ImagePromptStart),
			ImagePromptEnd:    strings.TrimSpace(sp.ImagePromptEnd),
			MotionDescription: strings.TrimSpace(sp.MotionDescription),
			Status:            models.SceneStatusPending,
		}
	}

	log.Info().Int("scenes", len(scenes)).Str("model", s.model).Msg("[OpenAI script] script generated")
	return scenes, nil
}

func buildScriptSystemPrompt(artStyle string) string {
	var b strings.Builder
	b.WriteString(`You turn a short story into the storyboard of a vertical short-form video.

Split the story into 3 to 8 scenes that keep its order. For every scene return:
- narrator: one or two short sentences read aloud over the scene.
- image_prompt_start: a self-contained description of the opening frame (subject, setting, lighting, composition).
- image_prompt_end: the closing frame of the same shot, or an empty string when the scene is a single still.
- motion_description: how the camera and subject move between the two frames, or an empty string.

Respond with JSON: {"scenes": [{"narrator": "", "image_prompt_start": "", "image_prompt_end": "", "motion_description": ""}]}`)
	if artStyle != "" {
		b.WriteString("\n\nEvery image prompt must describe the frame in this art style: ")
		b.WriteString(artStyle)
	}
	return b.String()
}

// truncateString truncates a string to maxLen and appends "..." if truncated.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
