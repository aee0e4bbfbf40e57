package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/bobarin/storyreel/internal/mediatools"
	"github.com/bobarin/storyreel/internal/mediatools/mediatoolstest"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/google/uuid"
)

func clippedScript(style models.Style, clips ...string) *models.VideoScript {
	scenes := make([]models.Scene, len(clips))
	for i, clip := range clips {
		scenes[i] = models.Scene{
			ID:                uuid.NewString(),
			Index:             i + 1,
			StartImageAssetID: "img",
			AudioAssetID:      "aud",
			ClipAssetID:       clip,
		}
	}
	return models.NewVideoScript(uuid.New(), style, scenes)
}

func TestAssembleRequiresClips(t *testing.T) {
	srv := mediatoolstest.NewServer()
	defer srv.Close()
	client := mediatools.New(srv.URL)

	script := clippedScript(models.Style{BackgroundMusicURL: srv.SourceURL("bgm.mp3")}, "", "")
	_, err := NewAssembler(client, client, fastPoll).Assemble(context.Background(), script)

	var asmErr *AssemblyError
	if !errors.As(err, &asmErr) || asmErr.Step != StepCollect {
		t.Fatalf("expected collect AssemblyError, got %v", err)
	}
	if !errors.Is(err, ErrNoClips) {
		t.Errorf("expected ErrNoClips, got %v", err)
	}
	if calls := srv.Calls(); len(calls) != 0 {
		t.Errorf("expected no remote calls, got %+v", calls)
	}
}

func TestAssembleWithoutOverlayReturnsMergeID(t *testing.T) {
	srv := mediatoolstest.NewServer()
	defer srv.Close()
	client := mediatools.New(srv.URL)

	script := clippedScript(models.Style{}, "clip-1", "", "clip-3")
	finalID, err := NewAssembler(client, client, fastPoll).Assemble(context.Background(), script)
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	if finalID != "merged-1" {
		t.Errorf("expected the merge result, got %s", finalID)
	}
	merge := mergeBody(t, srv)
	if len(merge.VideoIDs) != 2 || merge.BackgroundMusicID != "" || merge.BackgroundMusicVolume != nil {
		t.Errorf("unexpected merge request %+v", merge)
	}
	if len(srv.Calls("add-colorkey-overlay")) != 0 {
		t.Error("overlay must not be called without an overlay URL")
	}
}

func TestAssembleAppliesOverlay(t *testing.T) {
	srv := mediatoolstest.NewServer()
	defer srv.Close()
	srv.Sources["rain.mp4"] = []byte("overlay")
	client := mediatools.New(srv.URL)

	script := clippedScript(models.Style{OverlayVideoURL: srv.SourceURL("rain.mp4")}, "clip-1", "clip-2")
	finalID, err := NewAssembler(client, client, fastPoll).Assemble(context.Background(), script)
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	if finalID == "merged-1" || finalID != "final-1" {
		t.Errorf("expected the overlay result, got %s", finalID)
	}

	calls := srv.Calls("add-colorkey-overlay")
	if len(calls) != 1 {
		t.Fatalf("expected one overlay call, got %d", len(calls))
	}
	var req mediatools.OverlayRequest
	if err := json.Unmarshal(calls[0].Body, &req); err != nil {
		t.Fatalf("bad overlay body: %v", err)
	}
	if req.VideoID != "merged-1" || req.OverlayVideoID != "vid-1" || req.Color != models.DefaultOverlayColor {
		t.Errorf("unexpected overlay request %+v", req)
	}
	if script.MergedVideoAssetID() != "final-1" {
		t.Errorf("final id not recorded on the script")
	}
}

func TestAssembleAbortsOnMergeFailure(t *testing.T) {
	srv := mediatoolstest.NewServer()
	defer srv.Close()
	srv.Fail["merge"] = http.StatusInternalServerError
	client := mediatools.New(srv.URL)

	script := clippedScript(models.Style{}, "clip-1")
	_, err := NewAssembler(client, client, fastPoll).Assemble(context.Background(), script)

	var asmErr *AssemblyError
	if !errors.As(err, &asmErr) || asmErr.Step != StepMerge {
		t.Fatalf("expected merge AssemblyError, got %v", err)
	}
	var toolErr *mediatools.ToolError
	if !errors.As(err, &toolErr) {
		t.Errorf("expected the ToolError to be wrapped, got %v", err)
	}
	if script.MergedVideoAssetID() != "" {
		t.Error("no final id should be recorded")
	}
}

func TestAssembleAbortsOnMissingMusic(t *testing.T) {
	srv := mediatoolstest.NewServer()
	defer srv.Close()
	client := mediatools.New(srv.URL)

	script := clippedScript(models.Style{BackgroundMusicURL: srv.SourceURL("missing.mp3")}, "clip-1")
	_, err := NewAssembler(client, client, fastPoll).Assemble(context.Background(), script)

	var asmErr *AssemblyError
	if !errors.As(err, &asmErr) || asmErr.Step != StepMusic {
		t.Fatalf("expected music AssemblyError, got %v", err)
	}
	if len(srv.Calls("merge")) != 0 {
		t.Error("merge must not run after a failed source")
	}
}
