package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enums
type ProjectStatus string

const (
	ProjectStatusQueued     ProjectStatus = "queued"
	ProjectStatusScripting  ProjectStatus = "scripting"
	ProjectStatusGenerating ProjectStatus = "generating"
	ProjectStatusAssembling ProjectStatus = "assembling"
	ProjectStatusCompleted  ProjectStatus = "completed"
	ProjectStatusFailed     ProjectStatus = "failed"
)

type SceneStatus string

const (
	SceneStatusPending SceneStatus = "pending"
	SceneStatusImaged  SceneStatus = "imaged"
	SceneStatusVoiced  SceneStatus = "voiced"
	SceneStatusReady   SceneStatus = "ready" // image and audio both present
	SceneStatusClipped SceneStatus = "clipped"
	SceneStatusFailed  SceneStatus = "failed"
)

// AssetStatus is the lifecycle state the remote media store reports for an asset.
type AssetStatus string

const (
	AssetStatusUploading  AssetStatus = "uploading"
	AssetStatusProcessing AssetStatus = "processing"
	AssetStatusReady      AssetStatus = "ready"
	AssetStatusFailed     AssetStatus = "failed"
	AssetStatusNotFound   AssetStatus = "not_found"
)

// Terminal reports whether polling can stop on this status.
func (s AssetStatus) Terminal() bool {
	return s == AssetStatusReady || s == AssetStatusFailed || s == AssetStatusNotFound
}

// MediaKind is the media_type the store expects on upload.
type MediaKind string

const (
	MediaKindImage MediaKind = "image"
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Scene is one narrative beat with its prompts and the asset ids derived from them.
// Asset id fields are empty until the pipeline fills them in.
type Scene struct {
	ID                string `json:"id"`
	Index             int    `json:"index"`
	Narrator          string `json:"narrator"`
	ImagePromptStart  string `json:"image_prompt_start"`
	ImagePromptEnd    string `json:"image_prompt_end,omitempty"`
	MotionDescription string `json:"motion_description,omitempty"`

	StartImageAssetID string `json:"start_image_asset_id,omitempty"`
	EndImageAssetID   string `json:"end_image_asset_id,omitempty"`
	AudioAssetID      string `json:"audio_asset_id,omitempty"`
	VideoAssetID      string `json:"video_asset_id,omitempty"`
	ClipAssetID       string `json:"clip_asset_id,omitempty"`

	Status SceneStatus `json:"status"`
	Error  string      `json:"error,omitempty"`
}

// HasImage reports whether at least one image asset exists for the scene.
func (s *Scene) HasImage() bool {
	return s.StartImageAssetID != "" || s.EndImageAssetID != ""
}

// BackgroundAssetID picks what the captioned clip is composed over:
// the motion video when one exists, else the start image.
func (s *Scene) BackgroundAssetID() string {
	if s.VideoAssetID != "" {
		return s.VideoAssetID
	}
	if s.StartImageAssetID != "" {
		return s.StartImageAssetID
	}
	return s.EndImageAssetID
}

// SetClip records the composed clip. A clip can only exist once the scene has
// both an image and an audio asset.
func (s *Scene) SetClip(assetID string) error {
	if !s.HasImage() || s.AudioAssetID == "" {
		return fmt.Errorf("scene %s: clip requires image and audio assets", s.ID)
	}
	s.ClipAssetID = assetID
	s.Status = SceneStatusClipped
	s.Error = ""
	return nil
}

// refreshStatus derives the progress status from which assets are present.
func (s *Scene) refreshStatus() {
	switch {
	case s.ClipAssetID != "":
		s.Status = SceneStatusClipped
	case s.HasImage() && s.AudioAssetID != "":
		s.Status = SceneStatusReady
	case s.AudioAssetID != "":
		s.Status = SceneStatusVoiced
	case s.HasImage():
		s.Status = SceneStatusImaged
	case s.Status == "":
		s.Status = SceneStatusPending
	}
}

// SceneList is the JSONB column holding a project's scenes.
type SceneList []Scene

func (l SceneList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

func (l *SceneList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unexpected scenes column type %T", value)
	}
	return json.Unmarshal(bytes, l)
}

// Tone is the voice plus a free-text delivery prompt for speech synthesis.
type Tone struct {
	Voice  string `json:"voice" yaml:"voice"`
	Prompt string `json:"prompt,omitempty" yaml:"prompt"`
}

// Style is immutable reference data selected for a run.
type Style struct {
	Slug                  string  `json:"slug" yaml:"slug"`
	Name                  string  `json:"name" yaml:"name"`
	Tone                  Tone    `json:"tone" yaml:"tone"`
	ArtStyle              string  `json:"art_style" yaml:"art_style"`
	AspectRatio           string  `json:"aspect_ratio,omitempty" yaml:"aspect_ratio"`
	BackgroundMusicURL    string  `json:"background_music_url,omitempty" yaml:"background_music_url"`
	BackgroundMusicVolume float64 `json:"background_music_volume,omitempty" yaml:"background_music_volume"`
	OverlayVideoURL       string  `json:"overlay_video_url,omitempty" yaml:"overlay_video_url"`
	OverlayColor          string  `json:"overlay_color,omitempty" yaml:"overlay_color"`
	CaptionConfig         JSONB   `json:"caption_config,omitempty" yaml:"caption_config"`
}

const (
	DefaultAspectRatio           = "9:16"
	DefaultBackgroundMusicVolume = 0.3
	DefaultOverlayColor          = "green"
)

// WithDefaults fills unset optional fields.
func (s Style) WithDefaults() Style {
	if s.AspectRatio == "" {
		s.AspectRatio = DefaultAspectRatio
	}
	if s.BackgroundMusicVolume == 0 {
		s.BackgroundMusicVolume = DefaultBackgroundMusicVolume
	}
	if s.OverlayColor == "" {
		s.OverlayColor = DefaultOverlayColor
	}
	return s
}

type Project struct {
	ID                 uuid.UUID     `json:"id"`
	Story              string        `json:"story"`
	StyleSlug          string        `json:"style_slug"`
	Status             ProjectStatus `json:"status"`
	Scenes             SceneList     `json:"scenes"`
	MergedVideoAssetID *string       `json:"merged_video_asset_id,omitempty"`
	ErrorCode          *string       `json:"error_code,omitempty"`
	ErrorMessage       *string       `json:"error_message,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

type Job struct {
	ID           uuid.UUID  `json:"id"`
	ProjectID    uuid.UUID  `json:"project_id"`
	SceneID      *string    `json:"scene_id,omitempty"`
	Type         string     `json:"type"`
	Status       JobStatus  `json:"status"`
	Attempts     int        `json:"attempts"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Scene event kinds
const (
	SceneEventUpdated = "updated"
	SceneEventWarning = "warning"
	SceneEventFailed  = "failed"
)

// SceneEvent is emitted whenever the pipeline changes a scene.
type SceneEvent struct {
	ProjectID uuid.UUID `json:"project_id"`
	SceneID   string    `json:"scene_id"`
	Step      string    `json:"step"`
	Kind      string    `json:"kind"`
	Scene     Scene     `json:"scene"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// Media is what a generator hands back: inline bytes, or a URL to fetch them from
// (http(s) or a base64 data: URL).
type Media struct {
	Data     []byte
	URL      string
	MimeType string
}

// ImageRequest is one image generation call. Reference, when set, is an image the
// result should stay visually consistent with.
type ImageRequest struct {
	Prompt      string
	ArtStyle    string
	AspectRatio string
	Reference   *Media
}

// VideoRequest animates Image, used as the first frame, following Prompt.
type VideoRequest struct {
	Prompt      string
	Image       *Media
	AspectRatio string
}

// DTOs for API requests/responses

type CreateProjectRequest struct {
	Story     string `json:"story"`
	StyleSlug string `json:"style,omitempty"` // Default: first configured style
}

type CreateProjectResponse struct {
	ProjectID uuid.UUID     `json:"project_id"`
	Status    ProjectStatus `json:"status"`
}

type ProjectResponse struct {
	Project
	Style *Style `json:"style,omitempty"`
}

// ProjectSummary is the lightweight list form of a project, without scenes.
type ProjectSummary struct {
	ID                 uuid.UUID     `json:"id"`
	StyleSlug          string        `json:"style_slug"`
	Status             ProjectStatus `json:"status"`
	SceneCount         int           `json:"scene_count"`
	ClippedCount       int           `json:"clipped_count"`
	MergedVideoAssetID *string       `json:"merged_video_asset_id,omitempty"`
	ErrorCode          *string       `json:"error_code,omitempty"`
	ErrorMessage       *string       `json:"error_message,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

type ListProjectsResponse struct {
	Projects []ProjectSummary `json:"projects"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// JobAcceptedResponse is returned when a request was turned into a queued job.
type JobAcceptedResponse struct {
	JobID     uuid.UUID `json:"job_id"`
	ProjectID uuid.UUID `json:"project_id"`
	Type      string    `json:"type"`
}

type DebugJobsResponse struct {
	Jobs        []Job            `json:"jobs"`
	Queues      map[string]int64 `json:"queues,omitempty"`
	SceneQueues map[string]int   `json:"scene_queues,omitempty"`
}
