package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/bobarin/storyreel/internal/models"
)

// TTSService is implemented by every speech provider. tone.Voice names a
// provider voice; tone.Prompt describes the delivery and may be ignored.
type TTSService interface {
	GenerateSpeech(ctx context.Context, text string, tone models.Tone) (*models.Media, error)
}

var (
	_ TTSService = (*ElevenLabsService)(nil)
	_ TTSService = (*GeminiSpeechService)(nil)
)

// TTS providers selectable through TTS_PROVIDER.
const (
	ProviderGemini     = "gemini"
	ProviderElevenLabs = "elevenlabs"
)

// NewTTSService picks the speech provider by name.
func NewTTSService(provider, geminiKey, elevenLabsKey string) (TTSService, error) {
	switch strings.ToLower(provider) {
	case "", ProviderGemini:
		if geminiKey == "" {
			return nil, fmt.Errorf("gemini speech requires GEMINI_API_KEY")
		}
		return NewGeminiSpeechService(geminiKey, ""), nil
	case ProviderElevenLabs:
		if elevenLabsKey == "" {
			return nil, fmt.Errorf("elevenlabs speech requires ELEVENLABS_API_KEY")
		}
		return NewElevenLabsService(elevenLabsKey), nil
	}
	return nil, fmt.Errorf("unknown TTS provider %q", provider)
}
