package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bobarin/storyreel/internal/db"
	"github.com/bobarin/storyreel/internal/events"
	"github.com/bobarin/storyreel/internal/jobs"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/bobarin/storyreel/internal/styles"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// maxStoryLength bounds the story text accepted on project creation.
const maxStoryLength = 20000

// Store is the persistence the API reads and writes.
type Store interface {
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	ListProjects(ctx context.Context, status string, limit, offset int) ([]models.Project, error)
	CountProjects(ctx context.Context, status string) (int, error)
	CreateJob(ctx context.Context, job *models.Job) error
	GetProjectJobs(ctx context.Context, projectID uuid.UUID) ([]models.Job, error)
}

// JobQueue hands work to the worker.
type JobQueue interface {
	EnqueueGenerateScript(ctx context.Context, projectID, jobID uuid.UUID) error
	EnqueueRetryScene(ctx context.Context, projectID uuid.UUID, sceneID string, jobID uuid.UUID) error
	EnqueueAssemble(ctx context.Context, projectID, jobID uuid.UUID) error
	Lengths(ctx context.Context) (map[string]int64, error)
}

// EventStream is a live feed of one project's scene events.
type EventStream interface {
	Events() <-chan models.SceneEvent
	Close() error
}

type EventSource interface {
	Subscribe(ctx context.Context, projectID uuid.UUID) (EventStream, error)
}

// Downloader reads stored assets.
type Downloader interface {
	Download(ctx context.Context, assetID string) ([]byte, error)
}

type Handler struct {
	db     Store
	queue  JobQueue
	events EventSource
	media  Downloader
	styles *styles.Catalog

	// SceneQueueLengths, when set, reports the in-process scene queues on the
	// debug endpoint.
	SceneQueueLengths func() map[string]int
}

func NewHandler(database Store, q JobQueue, ev EventSource, media Downloader, catalog *styles.Catalog) *Handler {
	return &Handler{
		db:     database,
		queue:  q,
		events: ev,
		media:  media,
		styles: catalog,
	}
}

// RedisEvents adapts the Redis publisher to EventSource.
func RedisEvents(p *events.Publisher) EventSource {
	return redisEvents{p}
}

type redisEvents struct {
	p *events.Publisher
}

func (r redisEvents) Subscribe(ctx context.Context, projectID uuid.UUID) (EventStream, error) {
	sub, err := r.p.Subscribe(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ListStyles handles GET /v1/styles
func (h *Handler) ListStyles(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.styles.List())
}

// CreateProject handles POST /v1/projects
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req models.CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Validate
	req.Story = strings.TrimSpace(req.Story)
	if req.Story == "" {
		respondError(w, http.StatusBadRequest, "Story is required")
		return
	}
	if len(req.Story) > maxStoryLength {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Story is longer than %d characters", maxStoryLength))
		return
	}

	style, err := h.styles.Resolve(req.StyleSlug)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Unknown style")
		return
	}

	// Create project
	project := &models.Project{
		ID:        uuid.New(),
		Story:     req.Story,
		StyleSlug: style.Slug,
		Status:    models.ProjectStatusQueued,
	}

	if err := h.db.CreateProject(r.Context(), project); err != nil {
		log.Error().Err(err).Msg("[API] failed to create project")
		respondError(w, http.StatusInternalServerError, "Failed to create project")
		return
	}

	if _, ok := h.createJob(w, r, project.ID, jobs.TypeGenerateScript, ""); !ok {
		return
	}

	respondJSON(w, http.StatusCreated, models.CreateProjectResponse{
		ProjectID: project.ID,
		Status:    project.Status,
	})
}

// ListProjects handles GET /v1/projects
// Query params:
//   - status: filter by project status
//   - limit:  max results per page (default 20, max 100)
//   - offset: number of results to skip (default 0)
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	statusFilter := r.URL.Query().Get("status")
	if statusFilter != "" {
		switch models.ProjectStatus(statusFilter) {
		case models.ProjectStatusQueued, models.ProjectStatusScripting,
			models.ProjectStatusGenerating, models.ProjectStatusAssembling,
			models.ProjectStatusCompleted, models.ProjectStatusFailed:
			// valid
		default:
			respondError(w, http.StatusBadRequest, "Invalid status filter. Allowed: queued, scripting, generating, assembling, completed, failed")
			return
		}
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 100 {
		limit = 100
	}

	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	total, err := h.db.CountProjects(r.Context(), statusFilter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to count projects")
		return
	}

	projects, err := h.db.ListProjects(r.Context(), statusFilter, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list projects")
		return
	}

	summaries := make([]models.ProjectSummary, 0, len(projects))
	for _, p := range projects {
		summary := models.ProjectSummary{
			ID:                 p.ID,
			StyleSlug:          p.StyleSlug,
			Status:             p.Status,
			SceneCount:         len(p.Scenes),
			MergedVideoAssetID: p.MergedVideoAssetID,
			ErrorCode:          p.ErrorCode,
			ErrorMessage:       p.ErrorMessage,
			CreatedAt:          p.CreatedAt,
			UpdatedAt:          p.UpdatedAt,
		}
		for _, s := range p.Scenes {
			if s.ClipAssetID != "" {
				summary.ClippedCount++
			}
		}
		summaries = append(summaries, summary)
	}

	respondJSON(w, http.StatusOK, models.ListProjectsResponse{
		Projects: summaries,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

// GetProject handles GET /v1/projects/{id}
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	project, ok := h.loadProject(w, r)
	if !ok {
		return
	}

	response := models.ProjectResponse{Project: *project}
	if style, ok := h.styles.Get(project.StyleSlug); ok {
		response.Style = &style
	}

	respondJSON(w, http.StatusOK, response)
}

// RetryScene handles POST /v1/projects/{id}/scenes/{sceneId}/retry
func (h *Handler) RetryScene(w http.ResponseWriter, r *http.Request) {
	project, ok := h.loadProject(w, r)
	if !ok {
		return
	}

	sceneID := chi.URLParam(r, "sceneId")
	var scene *models.Scene
	for i := range project.Scenes {
		if project.Scenes[i].ID == sceneID {
			scene = &project.Scenes[i]
			break
		}
	}
	if scene == nil {
		respondError(w, http.StatusNotFound, "Scene not found")
		return
	}

	if busy(project.Status) {
		respondError(w, http.StatusConflict, fmt.Sprintf("Project is %s", project.Status))
		return
	}
	if scene.ClipAssetID != "" {
		respondError(w, http.StatusConflict, "Scene already has a clip")
		return
	}

	jobID, ok := h.createJob(w, r, project.ID, jobs.TypeRetryScene, sceneID)
	if !ok {
		return
	}

	respondJSON(w, http.StatusAccepted, models.JobAcceptedResponse{JobID: jobID, ProjectID: project.ID, Type: jobs.TypeRetryScene})
}

// AssembleProject handles POST /v1/projects/{id}/assemble. Assembly uses
// whatever clips exist; scenes without one are skipped.
func (h *Handler) AssembleProject(w http.ResponseWriter, r *http.Request) {
	project, ok := h.loadProject(w, r)
	if !ok {
		return
	}

	// Scenes still running would be left out of the merge.
	if busy(project.Status) || project.Status == models.ProjectStatusGenerating {
		respondError(w, http.StatusConflict, fmt.Sprintf("Project is %s", project.Status))
		return
	}

	clipped := 0
	for _, s := range project.Scenes {
		if s.ClipAssetID != "" {
			clipped++
		}
	}
	if clipped == 0 {
		respondError(w, http.StatusConflict, "No scene has a clip yet")
		return
	}

	jobID, ok := h.createJob(w, r, project.ID, jobs.TypeAssemble, "")
	if !ok {
		return
	}

	respondJSON(w, http.StatusAccepted, models.JobAcceptedResponse{JobID: jobID, ProjectID: project.ID, Type: jobs.TypeAssemble})
}

// StreamEvents handles GET /v1/projects/{id}/events as server-sent events.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	project, ok := h.loadProject(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	stream, err := h.events.Subscribe(r.Context(), project.ID)
	if err != nil {
		log.Error().Err(err).Str("project_id", project.ID.String()).Msg("[API] subscribe failed")
		respondError(w, http.StatusInternalServerError, "Failed to subscribe to events")
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: scene\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// GetProjectDownload handles GET /v1/projects/{id}/download
func (h *Handler) GetProjectDownload(w http.ResponseWriter, r *http.Request) {
	project, ok := h.loadProject(w, r)
	if !ok {
		return
	}

	if project.MergedVideoAssetID == nil {
		respondError(w, http.StatusNotFound, "Video not ready")
		return
	}

	data, err := h.media.Download(r.Context(), *project.MergedVideoAssetID)
	if err != nil {
		log.Error().Err(err).Str("project_id", project.ID.String()).Msg("[API] download failed")
		respondError(w, http.StatusBadGateway, "Failed to download video")
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="storyreel-%s.mp4"`, project.ID))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// GetProjectJobs handles GET /v1/projects/{id}/debug/jobs
func (h *Handler) GetProjectJobs(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid project ID")
		return
	}

	projectJobs, err := h.db.GetProjectJobs(r.Context(), projectID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get jobs")
		return
	}

	response := models.DebugJobsResponse{Jobs: projectJobs}
	if lengths, err := h.queue.Lengths(r.Context()); err == nil {
		response.Queues = lengths
	}
	if h.SceneQueueLengths != nil {
		response.SceneQueues = h.SceneQueueLengths()
	}

	respondJSON(w, http.StatusOK, response)
}

func (h *Handler) loadProject(w http.ResponseWriter, r *http.Request) (*models.Project, bool) {
	projectID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid project ID")
		return nil, false
	}

	project, err := h.db.GetProject(r.Context(), projectID)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Project not found")
		return nil, false
	}
	if err != nil {
		log.Error().Err(err).Str("project_id", projectID.String()).Msg("[API] failed to get project")
		respondError(w, http.StatusInternalServerError, "Failed to get project")
		return nil, false
	}
	return project, true
}

// createJob records a job and enqueues it, answering the request on failure.
func (h *Handler) createJob(w http.ResponseWriter, r *http.Request, projectID uuid.UUID, jobType, sceneID string) (uuid.UUID, bool) {
	job := &models.Job{
		ID:        uuid.New(),
		ProjectID: projectID,
		Type:      jobType,
		Status:    models.JobStatusQueued,
	}
	if sceneID != "" {
		job.SceneID = &sceneID
	}

	if err := h.db.CreateJob(r.Context(), job); err != nil {
		log.Error().Err(err).Str("project_id", projectID.String()).Msg("[API] failed to create job")
		respondError(w, http.StatusInternalServerError, "Failed to create job")
		return uuid.Nil, false
	}

	var err error
	switch jobType {
	case jobs.TypeGenerateScript:
		err = h.queue.EnqueueGenerateScript(r.Context(), projectID, job.ID)
	case jobs.TypeRetryScene:
		err = h.queue.EnqueueRetryScene(r.Context(), projectID, sceneID, job.ID)
	case jobs.TypeAssemble:
		err = h.queue.EnqueueAssemble(r.Context(), projectID, job.ID)
	default:
		err = fmt.Errorf("unknown job type %s", jobType)
	}
	if err != nil {
		log.Error().Err(err).Str("project_id", projectID.String()).Str("type", jobType).Msg("[API] failed to enqueue job")
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return uuid.Nil, false
	}

	return job.ID, true
}

// busy reports whether a job is already working on the project as a whole.
// Scene retries are still accepted while generating; the worker runs them after
// the current run.
func busy(status models.ProjectStatus) bool {
	return status == models.ProjectStatusQueued ||
		status == models.ProjectStatusScripting ||
		status == models.ProjectStatusAssembling
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
