package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bobarin/storyreel/internal/jobs"
	"github.com/bobarin/storyreel/internal/mediatools"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/bobarin/storyreel/internal/pipeline"
	"github.com/bobarin/storyreel/internal/queue"
	"github.com/bobarin/storyreel/internal/styles"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Project error codes recorded when a job fails.
const (
	ErrCodeUnknownStyle     = "unknown_style"
	ErrCodeScriptFailed     = "script_generation_failed"
	ErrCodeScenesIncomplete = "scenes_incomplete"
	ErrCodeAssemblyFailed   = "assembly_failed"
	ErrCodeCancelled        = "cancelled"
)

// ScriptGenerator turns a story into ordered scenes.
type ScriptGenerator interface {
	GenerateScript(ctx context.Context, story, artStyle string) ([]models.Scene, error)
}

// Store is the persistence the worker needs.
type Store interface {
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	UpdateProjectStatus(ctx context.Context, id uuid.UUID, status models.ProjectStatus) error
	UpdateProjectError(ctx context.Context, id uuid.UUID, errorCode, errorMessage string) error
	SaveScenes(ctx context.Context, projectID uuid.UUID, scenes models.SceneList) error
	UpdateScene(ctx context.Context, projectID uuid.UUID, position int, scene models.Scene) error
	SetProjectFinalVideo(ctx context.Context, projectID uuid.UUID, assetID string) error
	CreateJob(ctx context.Context, job *models.Job) error
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error
	UpdateJobError(ctx context.Context, id uuid.UUID, errorMessage string) error
}

// JobQueue is the run-level job queue shared with the API.
type JobQueue interface {
	Enqueue(ctx context.Context, job *jobs.Job) error
	Dequeue(ctx context.Context, jobType string, timeout time.Duration) (*jobs.Job, error)
}

// MediaTools is the remote media store plus its video tools.
type MediaTools interface {
	pipeline.AssetStore
	pipeline.VideoTools
}

// QueueDelays is the minimum gap between two tasks of each scene queue.
type QueueDelays struct {
	Image time.Duration
	Audio time.Duration
	Video time.Duration
	Clip  time.Duration
}

type Options struct {
	Delays               QueueDelays
	ComposeClips         bool
	Poll                 mediatools.PollOptions
	MaxConcurrentUploads int
	// DequeueTimeout bounds each blocking dequeue. Default 5s.
	DequeueTimeout time.Duration
}

type Worker struct {
	store     Store
	jobs      JobQueue
	events    pipeline.EventSink
	styles    *styles.Catalog
	script    ScriptGenerator
	queues    pipeline.Queues
	pipeline  *pipeline.Pipeline
	assembler *pipeline.Assembler
	opts      Options

	mu     sync.Mutex
	active map[uuid.UUID]*activeRun
	locks  map[uuid.UUID]*projectLock
}

// projectLock serializes the jobs of one project. Jobs waiting on it are
// counted so the entry can be dropped once nobody holds or wants it.
type projectLock struct {
	sem  chan struct{}
	refs int
}

// activeRun is a project whose scenes are being generated by this process.
type activeRun struct {
	script *models.VideoScript
	mu     sync.Mutex
}

func New(
	store Store,
	jobQueue JobQueue,
	events pipeline.EventSink,
	catalog *styles.Catalog,
	script ScriptGenerator,
	gen pipeline.Generators,
	tools MediaTools,
	opts Options,
) *Worker {
	if opts.DequeueTimeout <= 0 {
		opts.DequeueTimeout = 5 * time.Second
	}

	w := &Worker{
		store:  store,
		jobs:   jobQueue,
		events: events,
		styles: catalog,
		script: script,
		opts:   opts,
		active: make(map[uuid.UUID]*activeRun),
		locks:  make(map[uuid.UUID]*projectLock),
		queues: pipeline.Queues{
			Image: queue.NewRateLimitedQueue(queue.NameImage, opts.Delays.Image),
			Audio: queue.NewRateLimitedQueue(queue.NameAudio, opts.Delays.Audio),
			Video: queue.NewRateLimitedQueue(queue.NameVideo, opts.Delays.Video),
			Clip:  queue.NewRateLimitedQueue(queue.NameClip, opts.Delays.Clip),
		},
	}

	w.pipeline = pipeline.New(gen, tools, tools, w.queues, sceneRecorder{w}, pipeline.Options{
		ComposeClips:         opts.ComposeClips,
		Poll:                 opts.Poll,
		MaxConcurrentUploads: opts.MaxConcurrentUploads,
	})
	w.assembler = pipeline.NewAssembler(tools, tools, opts.Poll)
	return w
}

// QueueLengths reports the backlog of each scene queue.
func (w *Worker) QueueLengths() map[string]int {
	return map[string]int{
		w.queues.Image.Name(): w.queues.Image.Len(),
		w.queues.Audio.Name(): w.queues.Audio.Len(),
		w.queues.Video.Name(): w.queues.Video.Len(),
		w.queues.Clip.Name():  w.queues.Clip.Len(),
	}
}

// Start begins processing jobs from all queues
func (w *Worker) Start(ctx context.Context, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	log.Info().Int("concurrency", concurrency).Msg("[Worker] started")

	var wg sync.WaitGroup
	handlers := map[string]func(context.Context, *jobs.Job) error{
		jobs.TypeGenerateScript: w.handleGenerateScript,
		jobs.TypeRetryScene:     w.handleRetryScene,
		jobs.TypeAssemble:       w.handleAssemble,
	}
	for i := 0; i < concurrency; i++ {
		for jobType, handler := range handlers {
			wg.Add(1)
			go func(jobType string, handler func(context.Context, *jobs.Job) error) {
				defer wg.Done()
				w.processQueue(ctx, jobType, handler)
			}(jobType, handler)
		}
	}

	<-ctx.Done()
	log.Info().Msg("[Worker] shutting down...")
	wg.Wait()
}

func (w *Worker) processQueue(ctx context.Context, jobType string, handler func(context.Context, *jobs.Job) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			job, err := w.jobs.Dequeue(ctx, jobType, w.opts.DequeueTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Str("queue", jobType).Msg("[Worker] dequeue failed")
				time.Sleep(time.Second)
				continue
			}

			if job == nil {
				continue // No job available, retry
			}

			w.process(ctx, job, handler)
		}
	}
}

func (w *Worker) process(ctx context.Context, job *jobs.Job, handler func(context.Context, *jobs.Job) error) {
	logger := log.With().Str("job_id", job.ID.String()).Str("type", job.Type).Str("project_id", job.ProjectID.String()).Logger()
	logger.Info().Msg("[Worker] processing job")

	if err := w.store.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning); err != nil {
		logger.Warn().Err(err).Msg("[Worker] failed to update job status")
	}

	// Bookkeeping after the handler must land even when shutdown cancelled it.
	bg := context.WithoutCancel(ctx)
	if err := handler(ctx, job); err != nil {
		logger.Error().Err(err).Msg("[Worker] job failed")
		if uerr := w.store.UpdateJobError(bg, job.ID, err.Error()); uerr != nil {
			logger.Warn().Err(uerr).Msg("[Worker] failed to record job error")
		}
		return
	}

	logger.Info().Msg("[Worker] job completed")
	if err := w.store.UpdateJobStatus(bg, job.ID, models.JobStatusSucceeded); err != nil {
		logger.Warn().Err(err).Msg("[Worker] failed to update job status")
	}
}

// handleGenerateScript writes the script for a new project and runs every
// scene through the pipeline.
func (w *Worker) handleGenerateScript(ctx context.Context, job *jobs.Job) error {
	bg := context.WithoutCancel(ctx)

	release, err := w.lockProject(ctx, job.ProjectID)
	if err != nil {
		return err
	}
	defer release()

	project, err := w.store.GetProject(ctx, job.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to get project: %w", err)
	}

	style, err := w.styles.Resolve(project.StyleSlug)
	if err != nil {
		w.recordError(bg, project.ID, ErrCodeUnknownStyle, err)
		return err
	}

	if err := w.store.UpdateProjectStatus(ctx, project.ID, models.ProjectStatusScripting); err != nil {
		return fmt.Errorf("failed to update project status: %w", err)
	}

	scenes, err := w.script.GenerateScript(ctx, project.Story, style.ArtStyle)
	if err != nil {
		err = &pipeline.GenerationError{Kind: pipeline.KindScript, Err: err}
		w.recordError(bg, project.ID, ErrCodeScriptFailed, err)
		return err
	}
	log.Info().Str("project_id", project.ID.String()).Int("scenes", len(scenes)).Msg("[Worker] script generated")

	script := models.NewVideoScript(project.ID, style, scenes)
	if err := w.store.SaveScenes(ctx, project.ID, script.Scenes()); err != nil {
		return fmt.Errorf("failed to save scenes: %w", err)
	}
	if err := w.store.UpdateProjectStatus(ctx, project.ID, models.ProjectStatusGenerating); err != nil {
		return fmt.Errorf("failed to update project status: %w", err)
	}

	result, err := w.runScenes(ctx, script, func() (*pipeline.RunResult, error) {
		return w.pipeline.Run(ctx, script), nil
	})
	if err != nil {
		return err
	}
	return w.finishScenes(ctx, script, result)
}

// handleRetryScene re-runs the missing steps of one scene of an existing project.
// A retry that arrives while the project is running waits for that run and then
// works from the scenes it stored.
func (w *Worker) handleRetryScene(ctx context.Context, job *jobs.Job) error {
	bg := context.WithoutCancel(ctx)

	release, err := w.lockProject(ctx, job.ProjectID)
	if err != nil {
		return err
	}
	defer release()

	project, err := w.store.GetProject(ctx, job.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to get project: %w", err)
	}

	style, err := w.styles.Resolve(project.StyleSlug)
	if err != nil {
		w.recordError(bg, project.ID, ErrCodeUnknownStyle, err)
		return err
	}

	script := models.NewVideoScript(project.ID, style, project.Scenes)
	scene, ok := script.Scene(job.SceneID)
	if !ok {
		return fmt.Errorf("scene %s not found in project %s", job.SceneID, project.ID)
	}
	// The run this retry waited on may have clipped the scene and queued assembly already.
	if scene.ClipAssetID != "" {
		log.Info().Str("project_id", project.ID.String()).Str("scene_id", scene.ID).Msg("[Worker] scene already clipped, nothing to retry")
		return nil
	}

	if err := w.store.UpdateProjectStatus(ctx, project.ID, models.ProjectStatusGenerating); err != nil {
		return fmt.Errorf("failed to update project status: %w", err)
	}

	result, err := w.runScenes(ctx, script, func() (*pipeline.RunResult, error) {
		return w.pipeline.RetryScene(ctx, script, job.SceneID)
	})
	if err != nil {
		return err
	}
	return w.finishScenes(ctx, script, result)
}

// handleAssemble merges whatever clips the project has into the final video.
func (w *Worker) handleAssemble(ctx context.Context, job *jobs.Job) error {
	bg := context.WithoutCancel(ctx)

	release, err := w.lockProject(ctx, job.ProjectID)
	if err != nil {
		return err
	}
	defer release()

	project, err := w.store.GetProject(ctx, job.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to get project: %w", err)
	}

	style, err := w.styles.Resolve(project.StyleSlug)
	if err != nil {
		w.recordError(bg, project.ID, ErrCodeUnknownStyle, err)
		return err
	}

	if err := w.store.UpdateProjectStatus(ctx, project.ID, models.ProjectStatusAssembling); err != nil {
		return fmt.Errorf("failed to update project status: %w", err)
	}

	script := models.NewVideoScript(project.ID, style, project.Scenes)
	assetID, err := w.assembler.Assemble(ctx, script)
	if err != nil {
		code := ErrCodeAssemblyFailed
		if ctx.Err() != nil {
			code = ErrCodeCancelled
		}
		w.recordError(bg, project.ID, code, err)
		return err
	}

	if err := w.store.SetProjectFinalVideo(bg, project.ID, assetID); err != nil {
		return fmt.Errorf("failed to store final video: %w", err)
	}
	log.Info().Str("project_id", project.ID.String()).Str("asset_id", assetID).Msg("[Worker] project completed")
	return nil
}

// lockProject blocks until no other job of this process works on the project.
func (w *Worker) lockProject(ctx context.Context, projectID uuid.UUID) (func(), error) {
	w.mu.Lock()
	l, ok := w.locks[projectID]
	if !ok {
		l = &projectLock{sem: make(chan struct{}, 1)}
		w.locks[projectID] = l
	}
	l.refs++
	w.mu.Unlock()

	unref := func() {
		w.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(w.locks, projectID)
		}
		w.mu.Unlock()
	}

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		unref()
		return nil, ctx.Err()
	}
	return func() {
		<-l.sem
		unref()
	}, nil
}

// runScenes registers the script so scene events are persisted while fn runs.
// Callers hold the project lock.
func (w *Worker) runScenes(ctx context.Context, script *models.VideoScript, fn func() (*pipeline.RunResult, error)) (*pipeline.RunResult, error) {
	w.mu.Lock()
	w.active[script.ProjectID] = &activeRun{script: script}
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.active, script.ProjectID)
		w.mu.Unlock()
	}()

	return fn()
}

// finishScenes stores the final scene state and decides what happens next:
// assembly when every scene has a clip, an error on the project otherwise.
func (w *Worker) finishScenes(ctx context.Context, script *models.VideoScript, result *pipeline.RunResult) error {
	bg := context.WithoutCancel(ctx)
	projectID := script.ProjectID

	if err := w.store.SaveScenes(bg, projectID, script.Scenes()); err != nil {
		return fmt.Errorf("failed to save scenes: %w", err)
	}

	if ctx.Err() != nil {
		w.recordError(bg, projectID, ErrCodeCancelled, ctx.Err())
		return ctx.Err()
	}

	if err := result.Err(); err != nil {
		// Scene failures are retryable one by one; the job itself did its work.
		w.recordError(bg, projectID, ErrCodeScenesIncomplete, err)
		return nil
	}

	if !w.opts.ComposeClips {
		return w.store.UpdateProjectStatus(ctx, projectID, models.ProjectStatusCompleted)
	}

	if len(script.ClipAssetIDs()) != len(script.Scenes()) {
		w.recordError(bg, projectID, ErrCodeScenesIncomplete, errors.New("not every scene has a clip"))
		return nil
	}

	log.Info().Str("project_id", projectID.String()).Msg("[Worker] all scenes clipped, enqueuing assembly")
	return w.enqueue(ctx, projectID, jobs.TypeAssemble, "")
}

// enqueue records a job and pushes it onto the job queue.
func (w *Worker) enqueue(ctx context.Context, projectID uuid.UUID, jobType, sceneID string) error {
	record := &models.Job{
		ID:        uuid.New(),
		ProjectID: projectID,
		Type:      jobType,
		Status:    models.JobStatusQueued,
	}
	if sceneID != "" {
		record.SceneID = &sceneID
	}
	if err := w.store.CreateJob(ctx, record); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return w.jobs.Enqueue(ctx, &jobs.Job{ID: record.ID, Type: jobType, ProjectID: projectID, SceneID: sceneID})
}

func (w *Worker) recordError(ctx context.Context, projectID uuid.UUID, code string, err error) {
	if uerr := w.store.UpdateProjectError(ctx, projectID, code, err.Error()); uerr != nil {
		log.Warn().Err(uerr).Str("project_id", projectID.String()).Msg("[Worker] failed to record project error")
	}
}

func (w *Worker) lookupRun(projectID uuid.UUID) *activeRun {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active[projectID]
}

// sceneRecorder persists each changed scene and forwards the event.
type sceneRecorder struct {
	w *Worker
}

func (s sceneRecorder) Emit(ctx context.Context, ev models.SceneEvent) {
	if run := s.w.lookupRun(ev.ProjectID); run != nil {
		run.persist(context.WithoutCancel(ctx), s.w.store, ev.SceneID)
	}
	if s.w.events != nil {
		s.w.events.Emit(ctx, ev)
	}
}

// persist writes the scene's current state rather than the event's snapshot,
// so a late write never rolls a scene back.
func (r *activeRun) persist(ctx context.Context, store Store, sceneID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, scene := range r.script.Scenes() {
		if scene.ID != sceneID {
			continue
		}
		if err := store.UpdateScene(ctx, r.script.ProjectID, i, scene); err != nil {
			log.Warn().Err(err).Str("project_id", r.script.ProjectID.String()).Str("scene_id", sceneID).Msg("[Worker] failed to persist scene")
		}
		return
	}
}
