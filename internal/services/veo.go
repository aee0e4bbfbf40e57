package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bobarin/storyreel/internal/models"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// ---------------------------------------------------------------------------
// Veo image-to-video
// The scene's start image is the first frame; the motion description drives
// what happens in the shot.
// ---------------------------------------------------------------------------

const (
	defaultVeoModel    = "veo-3.1-generate-preview"
	veoPollInterval    = 10 * time.Second
	veoMaxPollDuration = 5 * time.Minute
)

// VeoService is optional. Without it clips are composed over still images.
type VeoService struct {
	apiKey string
	model  string
}

func NewVeoService(apiKey, model string) *VeoService {
	if model == "" {
		model = defaultVeoModel
	}
	return &VeoService{
		apiKey: apiKey,
		model:  model,
	}
}

func buildVeoPrompt(motion string) string {
	return fmt.Sprintf(`%s

Keep the art style, palette and characters of the input frame exactly. Favor subtle, natural motion and a slow camera. Silent video, no dialogue.`, motion)
}

// GenerateVideo animates the request image following its prompt and returns
// MP4 bytes. The long-running operation is polled here, blocking the caller.
func (s *VeoService) GenerateVideo(ctx context.Context, req models.VideoRequest) (*models.Media, error) {
	image, prompt := req.Image, req.Prompt
	if image == nil || len(image.Data) == 0 {
		return nil, fmt.Errorf("veo requires a first frame")
	}
	aspectRatio := req.AspectRatio
	if aspectRatio == "" {
		aspectRatio = models.DefaultAspectRatio
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	mimeType := image.MimeType
	if mimeType == "" {
		mimeType = http.DetectContentType(image.Data)
	}
	firstFrame := &genai.Image{
		ImageBytes: image.Data,
		MIMEType:   mimeType,
	}
	config := &genai.GenerateVideosConfig{
		AspectRatio:      aspectRatio,
		PersonGeneration: "allow_adult",
		NumberOfVideos:   1,
	}

	log.Info().Str("model", s.model).Str("aspect_ratio", aspectRatio).Int("prompt_len", len(prompt)).Int("image_bytes", len(image.Data)).Msg("[Veo] starting video generation")

	operation, err := client.Models.GenerateVideos(ctx, s.model, buildVeoPrompt(prompt), firstFrame, config)
	if err != nil {
		return nil, fmt.Errorf("failed to start video generation: %w", err)
	}

	deadline := time.Now().Add(veoMaxPollDuration)
	pollCount := 0
	for !operation.Done {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("video generation timed out after %v (polled %d times)", veoMaxPollDuration, pollCount)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("video generation cancelled: %w", ctx.Err())
		case <-time.After(veoPollInterval):
		}

		pollCount++
		operation, err = client.Operations.GetVideosOperation(ctx, operation, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to poll operation (attempt %d): %w", pollCount, err)
		}
		log.Debug().Int("poll", pollCount).Bool("done", operation.Done).Msg("[Veo] polled operation")
	}

	if len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return nil, fmt.Errorf("video generation operation failed: %s", string(errJSON))
	}
	if operation.Response == nil {
		return nil, fmt.Errorf("no response in completed operation %s", operation.Name)
	}
	if operation.Response.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(operation.Response.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(operation.Response.RAIMediaFilteredReasons, ", ")
		}
		return nil, fmt.Errorf("video blocked by safety filters: %s", reasons)
	}
	if len(operation.Response.GeneratedVideos) == 0 || operation.Response.GeneratedVideos[0].Video == nil {
		return nil, fmt.Errorf("no videos in response")
	}

	downloadURI := genai.NewDownloadURIFromVideo(operation.Response.GeneratedVideos[0].Video)
	videoBytes, err := client.Files.Download(ctx, downloadURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download generated video: %w", err)
	}
	if len(videoBytes) == 0 {
		return nil, fmt.Errorf("downloaded video is empty")
	}

	log.Info().Int("bytes", len(videoBytes)).Int("polls", pollCount).Msg("[Veo] video generated")
	return &models.Media{Data: videoBytes, MimeType: "video/mp4"}, nil
}
