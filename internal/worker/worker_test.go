package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/storyreel/internal/jobs"
	"github.com/bobarin/storyreel/internal/mediatools"
	"github.com/bobarin/storyreel/internal/mediatools/mediatoolstest"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/bobarin/storyreel/internal/pipeline"
	"github.com/bobarin/storyreel/internal/styles"
	"github.com/google/uuid"
)

type memStore struct {
	mu          sync.Mutex
	projects    map[uuid.UUID]*models.Project
	jobs        map[uuid.UUID]*models.Job
	sceneWrites int
}

func newMemStore() *memStore {
	return &memStore{projects: make(map[uuid.UUID]*models.Project), jobs: make(map[uuid.UUID]*models.Job)}
}

func (s *memStore) add(p *models.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
}

func (s *memStore) project(id uuid.UUID) models.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := *s.projects[id]
	p.Scenes = append(models.SceneList(nil), p.Scenes...)
	return p
}

func (s *memStore) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, errors.New("project not found")
	}
	cp := *p
	cp.Scenes = append(models.SceneList(nil), p.Scenes...)
	return &cp, nil
}

func (s *memStore) UpdateProjectStatus(ctx context.Context, id uuid.UUID, status models.ProjectStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.projects[id]
	p.Status = status
	p.ErrorCode, p.ErrorMessage = nil, nil
	return nil
}

func (s *memStore) UpdateProjectError(ctx context.Context, id uuid.UUID, code, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.projects[id]
	p.Status = models.ProjectStatusFailed
	p.ErrorCode, p.ErrorMessage = &code, &message
	return nil
}

func (s *memStore) SaveScenes(ctx context.Context, id uuid.UUID, scenes models.SceneList) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[id].Scenes = append(models.SceneList(nil), scenes...)
	return nil
}

func (s *memStore) UpdateScene(ctx context.Context, id uuid.UUID, position int, scene models.Scene) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.projects[id]
	if position >= len(p.Scenes) {
		return fmt.Errorf("no scene at %d", position)
	}
	p.Scenes[position] = scene
	s.sceneWrites++
	return nil
}

func (s *memStore) SetProjectFinalVideo(ctx context.Context, id uuid.UUID, assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.projects[id]
	p.MergedVideoAssetID = &assetID
	p.Status = models.ProjectStatusCompleted
	return nil
}

func (s *memStore) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = status
	}
	return nil
}

func (s *memStore) UpdateJobError(ctx context.Context, id uuid.UUID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = models.JobStatusFailed
		j.ErrorMessage = &message
	}
	return nil
}

func (s *memStore) job(id uuid.UUID) models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

type memQueue struct {
	mu     sync.Mutex
	queued []*jobs.Job
}

func (q *memQueue) Enqueue(ctx context.Context, job *jobs.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queued = append(q.queued, job)
	return nil
}

func (q *memQueue) Dequeue(ctx context.Context, jobType string, timeout time.Duration) (*jobs.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, j := range q.queued {
		if j.Type == jobType {
			q.queued = append(q.queued[:i], q.queued[i+1:]...)
			return j, nil
		}
	}
	return nil, nil
}

func (q *memQueue) types() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, j := range q.queued {
		out = append(out, j.Type)
	}
	return out
}

type fakeScript struct {
	scenes []models.Scene
	err    error
}

func (f fakeScript) GenerateScript(ctx context.Context, story, artStyle string) ([]models.Scene, error) {
	return f.scenes, f.err
}

type fakeImages struct {
	fail string
}

func (f fakeImages) GenerateImage(ctx context.Context, req models.ImageRequest) (*models.Media, error) {
	if req.Prompt == f.fail {
		return nil, errors.New("image model unavailable")
	}
	return &models.Media{Data: []byte(req.Prompt), MimeType: "image/png"}, nil
}

type fakeSpeech struct{}

func (fakeSpeech) GenerateSpeech(ctx context.Context, text string, tone models.Tone) (*models.Media, error) {
	return &models.Media{Data: []byte(text), MimeType: "audio/mpeg"}, nil
}

type countingSink struct {
	mu     sync.Mutex
	events []models.SceneEvent
}

func (s *countingSink) Emit(ctx context.Context, ev models.SceneEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type fixture struct {
	store  *memStore
	queue  *memQueue
	sink   *countingSink
	server *mediatoolstest.Server
	worker *Worker
}

func newFixture(t *testing.T, script ScriptGenerator, images pipeline.ImageGenerator) *fixture {
	t.Helper()
	srv := mediatoolstest.NewServer()
	t.Cleanup(srv.Close)

	f := &fixture{
		store:  newMemStore(),
		queue:  &memQueue{},
		sink:   &countingSink{},
		server: srv,
	}
	f.worker = New(
		f.store, f.queue, f.sink, styles.Builtin(), script,
		pipeline.Generators{Image: images, Speech: fakeSpeech{}},
		mediatools.New(srv.URL),
		Options{
			ComposeClips: true,
			Poll:         mediatools.PollOptions{Interval: time.Millisecond, MaxAttempts: 5},
		},
	)
	return f
}

func newProject(f *fixture, scenes ...models.Scene) *models.Project {
	p := &models.Project{
		ID:        uuid.New(),
		Story:     "a fox finds a lantern",
		StyleSlug: "documentary",
		Status:    models.ProjectStatusQueued,
		Scenes:    scenes,
	}
	f.store.add(p)
	return p
}

func twoScenes() []models.Scene {
	return []models.Scene{
		{ID: "s1", Index: 1, Narrator: "first", ImagePromptStart: "start 1"},
		{ID: "s2", Index: 2, Narrator: "second", ImagePromptStart: "start 2"},
	}
}

func TestGenerateScriptRunsScenesAndEnqueuesAssembly(t *testing.T) {
	f := newFixture(t, fakeScript{scenes: twoScenes()}, fakeImages{})
	p := newProject(f)

	if err := f.worker.handleGenerateScript(context.Background(), &jobs.Job{ID: uuid.New(), Type: jobs.TypeGenerateScript, ProjectID: p.ID}); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	got := f.store.project(p.ID)
	if got.Status != models.ProjectStatusGenerating {
		t.Errorf("expected generating, got %s", got.Status)
	}
	if len(got.Scenes) != 2 {
		t.Fatalf("expected 2 stored scenes, got %d", len(got.Scenes))
	}
	for _, s := range got.Scenes {
		if s.ClipAssetID == "" || s.Status != models.SceneStatusClipped {
			t.Errorf("scene %s not clipped: %+v", s.ID, s)
		}
	}
	if f.store.sceneWrites == 0 {
		t.Error("expected scene updates to be persisted while running")
	}
	if f.sink.count() == 0 {
		t.Error("expected events to be forwarded")
	}
	if types := f.queue.types(); len(types) != 1 || types[0] != jobs.TypeAssemble {
		t.Errorf("expected one assemble job, got %v", types)
	}
	if len(f.store.jobs) != 1 {
		t.Errorf("expected the assemble job to be recorded, got %d", len(f.store.jobs))
	}
}

func TestGenerateScriptRecordsScriptFailure(t *testing.T) {
	f := newFixture(t, fakeScript{err: errors.New("model overloaded")}, fakeImages{})
	p := newProject(f)

	err := f.worker.handleGenerateScript(context.Background(), &jobs.Job{ID: uuid.New(), ProjectID: p.ID})
	var genErr *pipeline.GenerationError
	if !errors.As(err, &genErr) || genErr.Kind != pipeline.KindScript {
		t.Fatalf("expected script GenerationError, got %v", err)
	}

	got := f.store.project(p.ID)
	if got.Status != models.ProjectStatusFailed || got.ErrorCode == nil || *got.ErrorCode != ErrCodeScriptFailed {
		t.Errorf("unexpected project state %+v", got)
	}
	if len(f.server.Calls()) != 0 {
		t.Error("no media calls expected")
	}
}

func TestSceneFailureLeavesProjectRetryable(t *testing.T) {
	f := newFixture(t, fakeScript{scenes: twoScenes()}, fakeImages{fail: "start 2"})
	p := newProject(f)

	if err := f.worker.handleGenerateScript(context.Background(), &jobs.Job{ID: uuid.New(), ProjectID: p.ID}); err != nil {
		t.Fatalf("scene failures should not fail the job: %v", err)
	}

	got := f.store.project(p.ID)
	if got.ErrorCode == nil || *got.ErrorCode != ErrCodeScenesIncomplete {
		t.Errorf("expected %s, got %+v", ErrCodeScenesIncomplete, got.ErrorCode)
	}
	if got.Scenes[0].ClipAssetID == "" {
		t.Error("healthy scene should still be clipped")
	}
	if got.Scenes[1].Status != models.SceneStatusFailed || got.Scenes[1].Error == "" {
		t.Errorf("failed scene not recorded: %+v", got.Scenes[1])
	}
	if len(f.queue.types()) != 0 {
		t.Error("assembly must not be enqueued with missing clips")
	}
}

func TestRetrySceneCompletesProject(t *testing.T) {
	f := newFixture(t, fakeScript{}, fakeImages{})
	scenes := twoScenes()
	scenes[0].StartImageAssetID = "img-a"
	scenes[0].AudioAssetID = "aud-a"
	scenes[0].ClipAssetID = "clip-a"
	scenes[1].Status = models.SceneStatusFailed
	scenes[1].Error = "image: boom"
	p := newProject(f, scenes...)

	if err := f.worker.handleRetryScene(context.Background(), &jobs.Job{ID: uuid.New(), ProjectID: p.ID, SceneID: "s2"}); err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	got := f.store.project(p.ID)
	if got.Scenes[0].ClipAssetID != "clip-a" {
		t.Errorf("untouched scene changed: %+v", got.Scenes[0])
	}
	if got.Scenes[1].ClipAssetID == "" || got.Scenes[1].Error != "" {
		t.Errorf("retried scene not clipped: %+v", got.Scenes[1])
	}
	if types := f.queue.types(); len(types) != 1 || types[0] != jobs.TypeAssemble {
		t.Errorf("expected assemble job, got %v", types)
	}
	// Only the retried scene's image and audio were uploaded.
	if n := len(f.server.Calls("upload")); n != 2 {
		t.Errorf("expected 2 uploads, got %d", n)
	}
}

func TestRetryUnknownScene(t *testing.T) {
	f := newFixture(t, fakeScript{}, fakeImages{})
	p := newProject(f, twoScenes()...)

	if err := f.worker.handleRetryScene(context.Background(), &jobs.Job{ID: uuid.New(), ProjectID: p.ID, SceneID: "nope"}); err == nil {
		t.Fatal("expected an error for an unknown scene")
	}
}

func TestAssembleStoresFinalVideo(t *testing.T) {
	f := newFixture(t, fakeScript{}, fakeImages{})
	scenes := twoScenes()
	for i := range scenes {
		scenes[i].StartImageAssetID = fmt.Sprintf("img-%d", i)
		scenes[i].AudioAssetID = fmt.Sprintf("aud-%d", i)
		scenes[i].ClipAssetID = fmt.Sprintf("clip-%d", i)
	}
	p := newProject(f, scenes...)

	if err := f.worker.handleAssemble(context.Background(), &jobs.Job{ID: uuid.New(), ProjectID: p.ID}); err != nil {
		t.Fatalf("assemble failed: %v", err)
	}

	got := f.store.project(p.ID)
	if got.Status != models.ProjectStatusCompleted || got.MergedVideoAssetID == nil || *got.MergedVideoAssetID != "merged-1" {
		t.Errorf("unexpected project %+v", got)
	}
}

func TestAssembleWithoutClipsFails(t *testing.T) {
	f := newFixture(t, fakeScript{}, fakeImages{})
	p := newProject(f, twoScenes()...)

	err := f.worker.handleAssemble(context.Background(), &jobs.Job{ID: uuid.New(), ProjectID: p.ID})
	if !errors.Is(err, pipeline.ErrNoClips) {
		t.Fatalf("expected ErrNoClips, got %v", err)
	}
	got := f.store.project(p.ID)
	if got.ErrorCode == nil || *got.ErrorCode != ErrCodeAssemblyFailed {
		t.Errorf("unexpected error code %v", got.ErrorCode)
	}
}

func TestProcessRecordsJobOutcome(t *testing.T) {
	f := newFixture(t, fakeScript{}, fakeImages{})
	ok, failed := uuid.New(), uuid.New()
	f.store.CreateJob(context.Background(), &models.Job{ID: ok, Status: models.JobStatusQueued})
	f.store.CreateJob(context.Background(), &models.Job{ID: failed, Status: models.JobStatusQueued})

	f.worker.process(context.Background(), &jobs.Job{ID: ok}, func(context.Context, *jobs.Job) error { return nil })
	f.worker.process(context.Background(), &jobs.Job{ID: failed}, func(context.Context, *jobs.Job) error { return errors.New("boom") })

	if s := f.store.job(ok).Status; s != models.JobStatusSucceeded {
		t.Errorf("expected succeeded, got %s", s)
	}
	j := f.store.job(failed)
	if j.Status != models.JobStatusFailed || j.ErrorMessage == nil || *j.ErrorMessage != "boom" {
		t.Errorf("unexpected failed job %+v", j)
	}
}

func TestQueueLengths(t *testing.T) {
	f := newFixture(t, fakeScript{}, fakeImages{})
	lengths := f.worker.QueueLengths()
	for _, name := range []string{"image", "audio", "video", "clip"} {
		if _, ok := lengths[name]; !ok {
			t.Errorf("missing queue %s", name)
		}
	}
}

func TestConcurrentRetriesOfOneProjectBothRun(t *testing.T) {
	f := newFixture(t, fakeScript{}, fakeImages{})
	scenes := twoScenes()
	for i := range scenes {
		scenes[i].Status = models.SceneStatusFailed
		scenes[i].Error = "image: boom"
	}
	p := newProject(f, scenes...)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{"s1", "s2"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = f.worker.handleRetryScene(context.Background(), &jobs.Job{ID: uuid.New(), ProjectID: p.ID, SceneID: id})
		}(i, id)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("retry %d failed: %v", i, err)
		}
	}
	got := f.store.project(p.ID)
	for _, s := range got.Scenes {
		if s.ClipAssetID == "" {
			t.Errorf("scene %s not clipped: %+v", s.ID, s)
		}
	}
	if types := f.queue.types(); len(types) != 1 || types[0] != jobs.TypeAssemble {
		t.Errorf("expected exactly one assemble job, got %v", types)
	}
}

func TestRetryWaitsForActiveRun(t *testing.T) {
	f := newFixture(t, fakeScript{}, fakeImages{})
	scenes := twoScenes()
	scenes[0].StartImageAssetID = "img-a"
	scenes[0].AudioAssetID = "aud-a"
	scenes[0].ClipAssetID = "clip-a"
	scenes[1].Status = models.SceneStatusFailed
	p := newProject(f, scenes...)

	release, err := f.worker.lockProject(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- f.worker.handleRetryScene(context.Background(), &jobs.Job{ID: uuid.New(), ProjectID: p.ID, SceneID: "s2"})
	}()

	select {
	case err := <-done:
		t.Fatalf("retry ran while the project was locked: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if n := len(f.server.Calls()); n != 0 {
		t.Errorf("expected no media calls while waiting, got %d", n)
	}

	release()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("retry failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retry never ran")
	}
	if got := f.store.project(p.ID); got.Scenes[1].ClipAssetID == "" {
		t.Errorf("retried scene not clipped: %+v", got.Scenes[1])
	}
}

func TestRetryOfSceneClippedMeanwhileIsNoop(t *testing.T) {
	f := newFixture(t, fakeScript{}, fakeImages{})
	scenes := twoScenes()
	for i := range scenes {
		scenes[i].StartImageAssetID = fmt.Sprintf("img-%d", i)
		scenes[i].AudioAssetID = fmt.Sprintf("aud-%d", i)
		scenes[i].ClipAssetID = fmt.Sprintf("clip-%d", i)
	}
	p := newProject(f, scenes...)

	if err := f.worker.handleRetryScene(context.Background(), &jobs.Job{ID: uuid.New(), ProjectID: p.ID, SceneID: "s2"}); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if types := f.queue.types(); len(types) != 0 {
		t.Errorf("no second assembly expected, got %v", types)
	}
	if n := len(f.server.Calls()); n != 0 {
		t.Errorf("expected no media calls, got %d", n)
	}
}

func TestLockProjectHonoursCancellation(t *testing.T) {
	f := newFixture(t, fakeScript{}, fakeImages{})
	id := uuid.New()

	release, err := f.worker.lockProject(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.worker.lockProject(ctx, id); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
