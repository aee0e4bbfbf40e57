package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestJSONBMarshal(t *testing.T) {
	j := JSONB{
		"font_size": 64,
		"position":  "bottom",
	}

	data, err := j.Value()
	if err != nil {
		t.Fatalf("failed to marshal JSONB: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data.([]byte), &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["position"] != "bottom" {
		t.Errorf("expected position=bottom, got %v", result["position"])
	}
}

func TestSceneListScan(t *testing.T) {
	raw := []byte(`[{"id":"s1","narrator":"hello","image_prompt_start":"a farm","audio_asset_id":"aud-1"}]`)

	var l SceneList
	if err := l.Scan(raw); err != nil {
		t.Fatalf("failed to scan: %v", err)
	}
	if len(l) != 1 || l[0].AudioAssetID != "aud-1" {
		t.Fatalf("unexpected scenes: %+v", l)
	}

	v, err := SceneList(nil).Value()
	if err != nil {
		t.Fatalf("failed to marshal nil list: %v", err)
	}
	if string(v.([]byte)) != "[]" {
		t.Errorf("expected [] for nil list, got %s", v)
	}
}

func TestSetClipRequiresImageAndAudio(t *testing.T) {
	s := Scene{ID: "s1"}
	if err := s.SetClip("clip-1"); err == nil {
		t.Fatal("expected error without image and audio")
	}

	s.StartImageAssetID = "img-1"
	if err := s.SetClip("clip-1"); err == nil {
		t.Fatal("expected error without audio")
	}

	s.AudioAssetID = "aud-1"
	if err := s.SetClip("clip-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ClipAssetID != "clip-1" || s.Status != SceneStatusClipped {
		t.Errorf("clip not recorded: %+v", s)
	}
}

func TestVideoScriptUpdate(t *testing.T) {
	vs := NewVideoScript(uuid.New(), Style{Slug: "x"}, []Scene{{ID: "a"}, {ID: "b"}})

	if vs.Style.BackgroundMusicVolume != DefaultBackgroundMusicVolume {
		t.Errorf("style defaults not applied: %+v", vs.Style)
	}

	got, err := vs.Update("a", func(s *Scene) error {
		s.StartImageAssetID = "img-1"
		return nil
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if got.Status != SceneStatusImaged {
		t.Errorf("expected imaged, got %s", got.Status)
	}

	got, _ = vs.Update("a", func(s *Scene) error {
		s.AudioAssetID = "aud-1"
		return nil
	})
	if got.Status != SceneStatusReady {
		t.Errorf("expected ready, got %s", got.Status)
	}

	boom := errors.New("boom")
	if _, err := vs.Update("b", func(s *Scene) error {
		s.AudioAssetID = "should-not-stick"
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if s, _ := vs.Scene("b"); s.AudioAssetID != "" {
		t.Errorf("failed update leaked: %+v", s)
	}

	if _, err := vs.Update("missing", func(*Scene) error { return nil }); err == nil {
		t.Error("expected error for unknown scene")
	}
}

func TestClipAssetIDsSkipsMissing(t *testing.T) {
	vs := NewVideoScript(uuid.New(), Style{}, []Scene{
		{ID: "a", StartImageAssetID: "i", AudioAssetID: "a", ClipAssetID: "clip-1"},
		{ID: "b"},
		{ID: "c", StartImageAssetID: "i", AudioAssetID: "a", ClipAssetID: "clip-3"},
	})

	ids := vs.ClipAssetIDs()
	if len(ids) != 2 || ids[0] != "clip-1" || ids[1] != "clip-3" {
		t.Errorf("unexpected clip ids: %v", ids)
	}
}

func TestAssetStatusTerminal(t *testing.T) {
	for _, s := range []AssetStatus{AssetStatusReady, AssetStatusFailed, AssetStatusNotFound} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []AssetStatus{AssetStatusUploading, AssetStatusProcessing} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
