package services

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/bobarin/storyreel/internal/models"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

const (
	defaultSpeechModel = "gemini-2.5-flash-preview-tts"
	defaultSpeechVoice = "Kore"

	// Gemini TTS returns raw 16-bit mono PCM.
	pcmSampleRate    = 24000
	pcmBitsPerSample = 16
	pcmChannels      = 1
)

// GeminiSpeechService synthesises narration with Gemini's native TTS. Unlike
// ElevenLabs it accepts a free-text delivery prompt, so the whole Tone is used.
type GeminiSpeechService struct {
	apiKey string
	model  string
}

func NewGeminiSpeechService(apiKey, model string) *GeminiSpeechService {
	if model == "" {
		model = defaultSpeechModel
	}
	return &GeminiSpeechService{apiKey: apiKey, model: model}
}

// GenerateSpeech returns WAV audio of text spoken in tone.
func (s *GeminiSpeechService) GenerateSpeech(ctx context.Context, text string, tone models.Tone) (*models.Media, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	voice := tone.Voice
	if voice == "" {
		voice = defaultSpeechVoice
	}

	log.Debug().Str("model", s.model).Str("voice", voice).Int("text_len", len(text)).Msg("[GeminiTTS] generating speech")

	resp, err := client.Models.GenerateContent(ctx, s.model, genai.Text(speechPrompt(text, tone.Prompt)), &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini tts request failed: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("gemini tts returned no candidates")
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.InlineData == nil || len(part.InlineData.Data) == 0 {
			continue
		}
		rate := sampleRate(part.InlineData.MIMEType)
		wav := pcmToWAV(part.InlineData.Data, rate, pcmChannels, pcmBitsPerSample)
		log.Info().Int("pcm_bytes", len(part.InlineData.Data)).Int("rate", rate).Msg("[GeminiTTS] speech generated")
		return &models.Media{Data: wav, MimeType: "audio/wav"}, nil
	}
	return nil, fmt.Errorf("gemini tts returned no audio data")
}

func speechPrompt(text, delivery string) string {
	if strings.TrimSpace(delivery) == "" {
		return text
	}
	return fmt.Sprintf("%s:\n%s", strings.TrimSpace(delivery), text)
}

// sampleRate reads the rate parameter of a mime type such as
// "audio/L16;codec=pcm;rate=24000".
func sampleRate(mimeType string) int {
	for _, param := range strings.Split(mimeType, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && k == "rate" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return pcmSampleRate
}

// pcmToWAV prefixes little-endian PCM with a canonical 44-byte RIFF header.
func pcmToWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
