// Package pipeline drives scenes from prompts to composed clips and assembles
// clips into the final video. Every external call goes through an interface so
// generators and the media-tools service can be swapped or faked.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bobarin/storyreel/internal/mediatools"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/bobarin/storyreel/internal/queue"
	"github.com/rs/zerolog/log"
)

type ImageGenerator interface {
	GenerateImage(ctx context.Context, req models.ImageRequest) (*models.Media, error)
}

type SpeechGenerator interface {
	GenerateSpeech(ctx context.Context, text string, tone models.Tone) (*models.Media, error)
}

// VideoGenerator animates a still image following a motion prompt.
type VideoGenerator interface {
	GenerateVideo(ctx context.Context, req models.VideoRequest) (*models.Media, error)
}

// AssetStore is the remote media store.
type AssetStore interface {
	Upload(ctx context.Context, data []byte, kind models.MediaKind, filename string) (string, error)
	PollUntilReady(ctx context.Context, assetID string, opts mediatools.PollOptions) (models.AssetStatus, error)
	Download(ctx context.Context, assetID string) ([]byte, error)
	Fetch(ctx context.Context, rawURL string) ([]byte, string, error)
}

// VideoTools composes stored assets into new ones.
type VideoTools interface {
	CaptionedVideo(ctx context.Context, req mediatools.CaptionedVideoRequest) (string, error)
	Merge(ctx context.Context, req mediatools.MergeRequest) (string, error)
	ColorKeyOverlay(ctx context.Context, req mediatools.OverlayRequest) (string, error)
}

// EventSink observes scene changes. Emit must not block for long; it is called
// from queue goroutines.
type EventSink interface {
	Emit(ctx context.Context, ev models.SceneEvent)
}

type nopSink struct{}

func (nopSink) Emit(context.Context, models.SceneEvent) {}

// Generators bundles the external generators. Video is optional.
type Generators struct {
	Image  ImageGenerator
	Speech SpeechGenerator
	Video  VideoGenerator
}

// Queues are owned by the caller and may be shared across runs, so throttling
// applies across every project the process is working on.
type Queues struct {
	Image *queue.RateLimitedQueue
	Audio *queue.RateLimitedQueue
	Video *queue.RateLimitedQueue
	Clip  *queue.RateLimitedQueue
}

type Options struct {
	// ComposeClips enables the captioned clip step once image and audio exist.
	ComposeClips bool
	Poll         mediatools.PollOptions
	// MaxConcurrentUploads caps uploads in flight across all queues. Default 4.
	MaxConcurrentUploads int
}

type Pipeline struct {
	gen       Generators
	store     AssetStore
	tools     VideoTools
	queues    Queues
	sink      EventSink
	opts      Options
	uploadSem chan struct{}
}

func New(gen Generators, store AssetStore, tools VideoTools, queues Queues, sink EventSink, opts Options) *Pipeline {
	if sink == nil {
		sink = nopSink{}
	}
	if opts.MaxConcurrentUploads <= 0 {
		opts.MaxConcurrentUploads = 4
	}
	return &Pipeline{
		gen:       gen,
		store:     store,
		tools:     tools,
		queues:    queues,
		sink:      sink,
		opts:      opts,
		uploadSem: make(chan struct{}, opts.MaxConcurrentUploads),
	}
}

// Run schedules every scene of the script and blocks until all the work it
// scheduled has finished. Scene failures are recorded in the result, on the
// scene, and as failed events; they never stop sibling scenes.
func (p *Pipeline) Run(ctx context.Context, script *models.VideoScript) *RunResult {
	r := p.newRun(ctx, script)
	scenes := script.Scenes()
	log.Info().Str("project_id", script.ProjectID.String()).Int("scenes", len(scenes)).Msg("[Pipeline] run started")

	for _, scene := range scenes {
		r.schedule(scene)
	}
	return r.wait()
}

// RetryScene re-runs only the steps a scene is missing. Assets that already
// have ids are not generated again.
func (p *Pipeline) RetryScene(ctx context.Context, script *models.VideoScript, sceneID string) (*RunResult, error) {
	scene, err := script.Update(sceneID, func(s *models.Scene) error {
		s.Status = models.SceneStatusPending
		s.Error = ""
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("project_id", script.ProjectID.String()).Str("scene_id", sceneID).Str("status", string(scene.Status)).Msg("[Pipeline] retrying scene")

	r := p.newRun(ctx, script)
	r.schedule(scene)
	return r.wait(), nil
}

// run tracks the tasks of one Run or RetryScene call.
type run struct {
	p      *Pipeline
	ctx    context.Context
	script *models.VideoScript
	wg     sync.WaitGroup

	mu       sync.Mutex
	states   map[string]*sceneState
	failures []SceneFailure
}

type sceneState struct {
	videoPending bool
	clipQueued   bool
}

func (p *Pipeline) newRun(ctx context.Context, script *models.VideoScript) *run {
	return &run{
		p:      p,
		ctx:    ctx,
		script: script,
		states: make(map[string]*sceneState),
	}
}

func (r *run) wait() *RunResult {
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	res := &RunResult{Failures: make([]SceneFailure, len(r.failures))}
	copy(res.Failures, r.failures)
	log.Info().Str("project_id", r.script.ProjectID.String()).Int("failures", len(res.Failures)).Msg("[Pipeline] run finished")
	return res
}

func (r *run) schedule(scene models.Scene) {
	st := &sceneState{videoPending: r.wantsVideo(scene)}
	r.mu.Lock()
	r.states[scene.ID] = st
	r.mu.Unlock()

	id := scene.ID
	if !scene.HasImage() {
		r.submit(r.p.queues.Image, id, KindImage, func(ctx context.Context) error {
			return r.generateImages(ctx, id)
		})
	} else if st.videoPending {
		r.submit(r.p.queues.Video, id, KindVideo, func(ctx context.Context) error {
			return r.generateVideo(ctx, id, nil)
		})
	}

	if scene.AudioAssetID == "" {
		r.submit(r.p.queues.Audio, id, KindAudio, func(ctx context.Context) error {
			return r.generateAudio(ctx, id)
		})
	}

	r.maybeClip(id)
}

func (r *run) wantsVideo(scene models.Scene) bool {
	return r.p.gen.Video != nil && r.p.queues.Video != nil &&
		scene.MotionDescription != "" && scene.VideoAssetID == ""
}

// submit enqueues fn and records its error as a failure of step. The queue sees
// a context that is never cancelled so every submitted task reaches this
// wrapper and is accounted for; cancellation is checked here instead.
func (r *run) submit(q *queue.RateLimitedQueue, sceneID, step string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	q.Enqueue(context.WithoutCancel(r.ctx), func(context.Context) (err error) {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("%s step panicked: %v", step, rec)
				r.fail(sceneID, step, err)
			}
		}()

		if err := r.ctx.Err(); err != nil {
			r.fail(sceneID, step, err)
			return err
		}
		if err := fn(r.ctx); err != nil {
			r.fail(sceneID, step, err)
			return err
		}
		return nil
	})
}

func (r *run) fail(sceneID, step string, err error) {
	r.mu.Lock()
	r.failures = append(r.failures, SceneFailure{SceneID: sceneID, Step: step, Err: err})
	r.mu.Unlock()

	log.Warn().Str("project_id", r.script.ProjectID.String()).Str("scene_id", sceneID).Str("step", step).Err(err).Msg("[Pipeline] scene step failed")

	scene, uerr := r.script.Update(sceneID, func(s *models.Scene) error {
		s.Status = models.SceneStatusFailed
		s.Error = fmt.Sprintf("%s: %v", step, err)
		return nil
	})
	if uerr != nil {
		return
	}
	r.emit(scene, step, models.SceneEventFailed, err.Error())
}

func (r *run) emit(scene models.Scene, step, kind, message string) {
	r.p.sink.Emit(r.ctx, models.SceneEvent{
		ProjectID: r.script.ProjectID,
		SceneID:   scene.ID,
		Step:      step,
		Kind:      kind,
		Scene:     scene,
		Message:   message,
		At:        time.Now().UTC(),
	})
}

func (r *run) generateImages(ctx context.Context, sceneID string) error {
	scene, ok := r.script.Scene(sceneID)
	if !ok {
		return fmt.Errorf("scene %s not found", sceneID)
	}
	style := r.script.Style

	log.Info().Str("scene_id", sceneID).Int("index", scene.Index).Msg("[Pipeline] generating images")

	start, err := r.p.gen.Image.GenerateImage(ctx, models.ImageRequest{
		Prompt:      scene.ImagePromptStart,
		ArtStyle:    style.ArtStyle,
		AspectRatio: style.AspectRatio,
	})
	if err != nil {
		return &GenerationError{Kind: KindImage, SceneID: sceneID, Err: err}
	}
	start, err = r.p.resolve(ctx, start)
	if err != nil {
		return &GenerationError{Kind: KindImage, SceneID: sceneID, Err: err}
	}
	startID, err := r.p.upload(ctx, start, models.MediaKindImage, fmt.Sprintf("scene_%d_start", scene.Index))
	if err != nil {
		return err
	}

	var endID string
	if scene.ImagePromptEnd != "" {
		end, err := r.p.gen.Image.GenerateImage(ctx, models.ImageRequest{
			Prompt:      scene.ImagePromptEnd,
			ArtStyle:    style.ArtStyle,
			AspectRatio: style.AspectRatio,
			Reference:   start,
		})
		if err != nil {
			return &GenerationError{Kind: KindImage, SceneID: sceneID, Err: err}
		}
		end, err = r.p.resolve(ctx, end)
		if err != nil {
			return &GenerationError{Kind: KindImage, SceneID: sceneID, Err: err}
		}
		endID, err = r.p.upload(ctx, end, models.MediaKindImage, fmt.Sprintf("scene_%d_end", scene.Index))
		if err != nil {
			return err
		}
	}

	updated, err := r.script.Update(sceneID, func(s *models.Scene) error {
		s.StartImageAssetID = startID
		s.EndImageAssetID = endID
		return nil
	})
	if err != nil {
		return err
	}
	r.emit(updated, KindImage, models.SceneEventUpdated, "")

	if r.videoPending(sceneID) {
		r.submit(r.p.queues.Video, sceneID, KindVideo, func(ctx context.Context) error {
			return r.generateVideo(ctx, sceneID, start)
		})
	}
	r.maybeClip(sceneID)
	return nil
}

func (r *run) generateAudio(ctx context.Context, sceneID string) error {
	scene, ok := r.script.Scene(sceneID)
	if !ok {
		return fmt.Errorf("scene %s not found", sceneID)
	}

	log.Info().Str("scene_id", sceneID).Int("index", scene.Index).Msg("[Pipeline] generating narration")

	speech, err := r.p.gen.Speech.GenerateSpeech(ctx, scene.Narrator, r.script.Style.Tone)
	if err != nil {
		return &GenerationError{Kind: KindAudio, SceneID: sceneID, Err: err}
	}
	speech, err = r.p.resolve(ctx, speech)
	if err != nil {
		return &GenerationError{Kind: KindAudio, SceneID: sceneID, Err: err}
	}
	audioID, err := r.p.upload(ctx, speech, models.MediaKindAudio, fmt.Sprintf("scene_%d_narration", scene.Index))
	if err != nil {
		return err
	}

	updated, err := r.script.Update(sceneID, func(s *models.Scene) error {
		s.AudioAssetID = audioID
		return nil
	})
	if err != nil {
		return err
	}
	r.emit(updated, KindAudio, models.SceneEventUpdated, "")

	r.maybeClip(sceneID)
	return nil
}

// generateVideo never fails the scene: without a motion video the clip is
// composed over the still image. image is downloaded from the store when nil.
func (r *run) generateVideo(ctx context.Context, sceneID string, image *models.Media) error {
	defer func() {
		r.mu.Lock()
		if st := r.states[sceneID]; st != nil {
			st.videoPending = false
		}
		r.mu.Unlock()
		r.maybeClip(sceneID)
	}()

	scene, ok := r.script.Scene(sceneID)
	if !ok {
		return fmt.Errorf("scene %s not found", sceneID)
	}

	err := func() error {
		if image == nil {
			data, err := r.p.store.Download(ctx, scene.StartImageAssetID)
			if err != nil {
				return err
			}
			image = &models.Media{Data: data, MimeType: http.DetectContentType(data)}
		}

		video, err := r.p.gen.Video.GenerateVideo(ctx, models.VideoRequest{
			Prompt:      scene.MotionDescription,
			Image:       image,
			AspectRatio: r.script.Style.AspectRatio,
		})
		if err != nil {
			return &GenerationError{Kind: KindVideo, SceneID: sceneID, Err: err}
		}
		video, err = r.p.resolve(ctx, video)
		if err != nil {
			return &GenerationError{Kind: KindVideo, SceneID: sceneID, Err: err}
		}
		videoID, err := r.p.upload(ctx, video, models.MediaKindVideo, fmt.Sprintf("scene_%d_motion", scene.Index))
		if err != nil {
			return err
		}

		updated, err := r.script.Update(sceneID, func(s *models.Scene) error {
			s.VideoAssetID = videoID
			return nil
		})
		if err != nil {
			return err
		}
		r.emit(updated, KindVideo, models.SceneEventUpdated, "")
		return nil
	}()
	if err != nil {
		log.Warn().Str("scene_id", sceneID).Err(err).Msg("[Pipeline] motion video failed, clip will use the still image")
		scene, _ = r.script.Scene(sceneID)
		r.emit(scene, KindVideo, models.SceneEventWarning, err.Error())
	}
	return nil
}

func (r *run) videoPending(sceneID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[sceneID]
	return st != nil && st.videoPending
}

// maybeClip queues the clip step once the scene has an image and audio, no
// motion video is still being generated, and the step was not queued already.
func (r *run) maybeClip(sceneID string) {
	if !r.p.opts.ComposeClips || r.p.queues.Clip == nil {
		return
	}
	scene, ok := r.script.Scene(sceneID)
	if !ok || scene.ClipAssetID != "" || scene.Status == models.SceneStatusFailed {
		return
	}
	if !scene.HasImage() || scene.AudioAssetID == "" {
		return
	}

	r.mu.Lock()
	st := r.states[sceneID]
	if st == nil || st.videoPending || st.clipQueued {
		r.mu.Unlock()
		return
	}
	st.clipQueued = true
	r.mu.Unlock()

	r.submit(r.p.queues.Clip, sceneID, StepClip, func(ctx context.Context) error {
		return r.composeClip(ctx, sceneID)
	})
}

func (r *run) composeClip(ctx context.Context, sceneID string) error {
	scene, ok := r.script.Scene(sceneID)
	if !ok {
		return fmt.Errorf("scene %s not found", sceneID)
	}

	log.Info().Str("scene_id", sceneID).Str("background", scene.BackgroundAssetID()).Msg("[Pipeline] composing clip")

	clipID, err := r.p.tools.CaptionedVideo(ctx, mediatools.CaptionedVideoRequest{
		BackgroundID:  scene.BackgroundAssetID(),
		AudioID:       scene.AudioAssetID,
		Text:          scene.Narrator,
		CaptionConfig: r.script.Style.CaptionConfig,
	})
	if err != nil {
		return err
	}
	if _, err := r.p.store.PollUntilReady(ctx, clipID, r.p.opts.Poll); err != nil {
		return err
	}

	updated, err := r.script.Update(sceneID, func(s *models.Scene) error {
		return s.SetClip(clipID)
	})
	if err != nil {
		return err
	}
	r.emit(updated, StepClip, models.SceneEventUpdated, "")
	return nil
}

// resolve turns a URL result into inline bytes so it can be uploaded.
func (p *Pipeline) resolve(ctx context.Context, m *models.Media) (*models.Media, error) {
	if m == nil {
		return nil, errors.New("generator returned no media")
	}
	if len(m.Data) > 0 {
		return m, nil
	}
	if m.URL == "" {
		return nil, errors.New("generator returned empty media")
	}

	if strings.HasPrefix(m.URL, "data:") {
		meta, payload, ok := strings.Cut(strings.TrimPrefix(m.URL, "data:"), ",")
		if !ok || !strings.HasSuffix(meta, ";base64") {
			return nil, errors.New("unsupported data URL")
		}
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode data URL: %w", err)
		}
		return &models.Media{Data: data, MimeType: strings.TrimSuffix(meta, ";base64")}, nil
	}

	data, contentType, err := p.store.Fetch(ctx, m.URL)
	if err != nil {
		return nil, err
	}
	if m.MimeType != "" {
		contentType = m.MimeType
	}
	return &models.Media{Data: data, URL: m.URL, MimeType: contentType}, nil
}

// upload stores media, holding one of the upload slots for the duration.
func (p *Pipeline) upload(ctx context.Context, m *models.Media, kind models.MediaKind, name string) (string, error) {
	select {
	case p.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return "", fmt.Errorf("upload cancelled while waiting for slot: %w", ctx.Err())
	}
	defer func() { <-p.uploadSem }()

	return p.store.Upload(ctx, m.Data, kind, name+extension(m, kind))
}

func extension(m *models.Media, kind models.MediaKind) string {
	mimeType := m.MimeType
	if mimeType == "" {
		mimeType = http.DetectContentType(m.Data)
	}
	switch strings.TrimSpace(strings.Split(mimeType, ";")[0]) {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "audio/mpeg":
		return ".mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "video/mp4":
		return ".mp4"
	}
	switch kind {
	case models.MediaKindImage:
		return ".png"
	case models.MediaKindAudio:
		return ".mp3"
	}
	return ".mp4"
}
