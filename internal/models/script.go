package models

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// VideoScript is the in-memory record of one generation run: the ordered scenes,
// the selected style and, once assembled, the merged video id.
//
// Scenes are written from several queue goroutines at once, so every mutation
// goes through Update and every read gets a copy.
type VideoScript struct {
	ProjectID uuid.UUID
	Style     Style

	mu                 sync.Mutex
	scenes             []Scene
	index              map[string]int
	mergedVideoAssetID string
}

// NewVideoScript takes ownership of a copy of scenes.
func NewVideoScript(projectID uuid.UUID, style Style, scenes []Scene) *VideoScript {
	vs := &VideoScript{
		ProjectID: projectID,
		Style:     style.WithDefaults(),
		scenes:    make([]Scene, len(scenes)),
		index:     make(map[string]int, len(scenes)),
	}
	copy(vs.scenes, scenes)
	for i := range vs.scenes {
		vs.scenes[i].refreshStatus()
		vs.index[vs.scenes[i].ID] = i
	}
	return vs
}

// Scenes returns a snapshot of all scenes in script order.
func (vs *VideoScript) Scenes() []Scene {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	out := make([]Scene, len(vs.scenes))
	copy(out, vs.scenes)
	return out
}

// Scene returns a snapshot of one scene.
func (vs *VideoScript) Scene(id string) (Scene, bool) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	i, ok := vs.index[id]
	if !ok {
		return Scene{}, false
	}
	return vs.scenes[i], true
}

// Update applies fn to the scene under the script lock and returns the resulting
// snapshot. If fn returns an error the scene is left unchanged.
func (vs *VideoScript) Update(id string, fn func(s *Scene) error) (Scene, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	i, ok := vs.index[id]
	if !ok {
		return Scene{}, fmt.Errorf("scene %s not found", id)
	}
	next := vs.scenes[i]
	if err := fn(&next); err != nil {
		return vs.scenes[i], err
	}
	if next.Status != SceneStatusFailed {
		next.refreshStatus()
	}
	vs.scenes[i] = next
	return next, nil
}

// ClipAssetIDs returns the clip ids of scenes that have one, in script order.
func (vs *VideoScript) ClipAssetIDs() []string {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	var ids []string
	for _, s := range vs.scenes {
		if s.ClipAssetID != "" {
			ids = append(ids, s.ClipAssetID)
		}
	}
	return ids
}

func (vs *VideoScript) SetMergedVideo(assetID string) {
	vs.mu.Lock()
	vs.mergedVideoAssetID = assetID
	vs.mu.Unlock()
}

func (vs *VideoScript) MergedVideoAssetID() string {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.mergedVideoAssetID
}
