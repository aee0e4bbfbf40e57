package pipeline

import (
	"context"
	"fmt"

	"github.com/bobarin/storyreel/internal/mediatools"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Assembly steps reported in AssemblyError.
const (
	StepCollect = "collect"
	StepMusic   = "music"
	StepOverlay = "overlay"
	StepMerge   = "merge"
	StepCompose = "compose"
	StepFinal   = "final"
)

// Assembler merges scene clips into the deliverable video. Unlike scene
// generation it is all-or-nothing: the first failed remote call aborts it.
type Assembler struct {
	store AssetStore
	tools VideoTools
	poll  mediatools.PollOptions
}

func NewAssembler(store AssetStore, tools VideoTools, poll mediatools.PollOptions) *Assembler {
	return &Assembler{store: store, tools: tools, poll: poll}
}

// Assemble merges the clips of the script in scene order, skipping scenes
// without one, mixes in the style's background music and applies its overlay.
// The final asset id is recorded on the script and returned once it is ready.
func (a *Assembler) Assemble(ctx context.Context, script *models.VideoScript) (string, error) {
	clipIDs := script.ClipAssetIDs()
	if len(clipIDs) == 0 {
		return "", &AssemblyError{Step: StepCollect, Err: ErrNoClips}
	}
	style := script.Style
	projectID := script.ProjectID.String()

	log.Info().Str("project_id", projectID).Int("clips", len(clipIDs)).Msg("[Assembler] assembling")

	// Music and overlay sources are independent of each other; prepare both
	// before the merge so a bad source aborts before any merge work.
	var musicID, overlayID string
	g, gctx := errgroup.WithContext(ctx)
	if style.BackgroundMusicURL != "" {
		g.Go(func() error {
			id, err := a.prepareSource(gctx, style.BackgroundMusicURL, models.MediaKindAudio, "music.mp3")
			if err != nil {
				return &AssemblyError{Step: StepMusic, Err: err}
			}
			musicID = id
			return nil
		})
	}
	if style.OverlayVideoURL != "" {
		g.Go(func() error {
			id, err := a.prepareSource(gctx, style.OverlayVideoURL, models.MediaKindVideo, "overlay.mp4")
			if err != nil {
				return &AssemblyError{Step: StepOverlay, Err: err}
			}
			overlayID = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	merge := mediatools.MergeRequest{VideoIDs: clipIDs}
	if musicID != "" {
		volume := style.BackgroundMusicVolume
		merge.BackgroundMusicID = musicID
		merge.BackgroundMusicVolume = &volume
	}
	mergedID, err := a.tools.Merge(ctx, merge)
	if err != nil {
		return "", &AssemblyError{Step: StepMerge, Err: err}
	}
	log.Info().Str("project_id", projectID).Str("merged_id", mergedID).Msg("[Assembler] clips merged")

	finalID := mergedID
	if overlayID != "" {
		if _, err := a.store.PollUntilReady(ctx, mergedID, a.poll); err != nil {
			return "", &AssemblyError{Step: StepMerge, Err: err}
		}
		finalID, err = a.tools.ColorKeyOverlay(ctx, mediatools.OverlayRequest{
			VideoID:        mergedID,
			OverlayVideoID: overlayID,
			Color:          style.OverlayColor,
		})
		if err != nil {
			return "", &AssemblyError{Step: StepCompose, Err: err}
		}
		log.Info().Str("project_id", projectID).Str("final_id", finalID).Msg("[Assembler] overlay applied")
	}

	if _, err := a.store.PollUntilReady(ctx, finalID, a.poll); err != nil {
		return "", &AssemblyError{Step: StepFinal, Err: err}
	}

	script.SetMergedVideo(finalID)
	log.Info().Str("project_id", projectID).Str("final_id", finalID).Msg("[Assembler] final video ready")
	return finalID, nil
}

// prepareSource fetches an external source, uploads it and waits until the
// store reports it ready.
func (a *Assembler) prepareSource(ctx context.Context, rawURL string, kind models.MediaKind, fallback string) (string, error) {
	data, _, err := a.store.Fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}
	id, err := a.store.Upload(ctx, data, kind, mediatools.FilenameFromURL(rawURL, fallback))
	if err != nil {
		return "", err
	}
	if _, err := a.store.PollUntilReady(ctx, id, a.poll); err != nil {
		return "", fmt.Errorf("source %s: %w", id, err)
	}
	return id, nil
}
