package mediatools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/bobarin/storyreel/internal/models"
	"github.com/rs/zerolog/log"
)

// CaptionedVideoRequest asks the tools service to compose one captioned clip
// from a background (image or video), narration audio and its text.
type CaptionedVideoRequest struct {
	BackgroundID  string       `json:"background_id"`
	AudioID       string       `json:"audio_id"`
	Text          string       `json:"text"`
	CaptionConfig models.JSONB `json:"caption_config,omitempty"`
}

// MergeRequest concatenates clips in order, optionally mixing in background music.
type MergeRequest struct {
	VideoIDs              []string `json:"video_ids"`
	BackgroundMusicID     string   `json:"background_music_id,omitempty"`
	BackgroundMusicVolume *float64 `json:"background_music_volume,omitempty"`
}

// OverlayRequest composites OverlayVideoID onto VideoID, keying out Color.
type OverlayRequest struct {
	VideoID        string `json:"video_id"`
	OverlayVideoID string `json:"overlay_video_id"`
	Color          string `json:"color"`
}

func (c *Client) CaptionedVideo(ctx context.Context, req CaptionedVideoRequest) (string, error) {
	return c.callTool(ctx, "tts-captioned-video", "/video-tools/generate/tts-captioned-video", req)
}

func (c *Client) Merge(ctx context.Context, req MergeRequest) (string, error) {
	if len(req.VideoIDs) == 0 {
		return "", &ToolError{Op: "merge", Message: "no video ids to merge"}
	}
	return c.callTool(ctx, "merge", "/video-tools/merge", req)
}

func (c *Client) ColorKeyOverlay(ctx context.Context, req OverlayRequest) (string, error) {
	return c.callTool(ctx, "add-colorkey-overlay", "/video-tools/add-colorkey-overlay", req)
}

func (c *Client) callTool(ctx context.Context, op, path string, payload interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", &ToolError{Op: op, Message: fmt.Sprintf("failed to marshal request: %v", err), Err: err}
	}

	resp, err := c.do(ctx, op, retryUnsent, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return "", &ToolError{Op: op, Message: err.Error(), Err: err}
	}
	if !resp.ok() {
		return "", &ToolError{Op: op, Status: resp.status, Message: errorMessage(resp.body)}
	}

	var out fileIDResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return "", &ToolError{Op: op, Status: resp.status, Message: "invalid response", Err: err}
	}
	if out.FileID == "" {
		return "", &ToolError{Op: op, Status: resp.status, Message: "response has no file_id"}
	}

	log.Info().Str("op", op).Str("asset_id", out.FileID).Msg("[MediaTools] tool call accepted")
	return out.FileID, nil
}
