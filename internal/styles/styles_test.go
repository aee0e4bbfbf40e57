package styles

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bobarin/storyreel/internal/models"
)

func TestParse(t *testing.T) {
	c, err := Parse([]byte(`
styles:
  - slug: calm
    art_style: watercolor
    tone: {voice: Kore, prompt: gently}
    background_music_url: https://example.com/calm.mp3
    caption_config:
      font_size: 48
  - slug: rain
    name: Rain
    art_style: neon noir
    overlay_video_url: https://example.com/rain.mp4
    overlay_color: blue
    background_music_volume: 0.5
`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	calm, ok := c.Get("calm")
	if !ok {
		t.Fatal("calm not found")
	}
	if calm.Name != "calm" || calm.Tone.Voice != "Kore" || calm.Tone.Prompt != "gently" {
		t.Errorf("unexpected style %+v", calm)
	}
	if calm.BackgroundMusicVolume != models.DefaultBackgroundMusicVolume || calm.OverlayColor != models.DefaultOverlayColor || calm.AspectRatio != models.DefaultAspectRatio {
		t.Errorf("defaults not applied: %+v", calm)
	}
	if calm.CaptionConfig["font_size"] != 48 {
		t.Errorf("caption config not decoded: %#v", calm.CaptionConfig)
	}

	rain, _ := c.Get("rain")
	if rain.OverlayColor != "blue" || rain.BackgroundMusicVolume != 0.5 {
		t.Errorf("explicit values overridden: %+v", rain)
	}

	if c.Default().Slug != "calm" {
		t.Errorf("expected first style as default, got %s", c.Default().Slug)
	}
	if len(c.List()) != 2 {
		t.Errorf("expected 2 styles, got %d", len(c.List()))
	}
}

func TestParseRejectsInvalidCatalogs(t *testing.T) {
	cases := map[string]string{
		"empty":     `styles: []`,
		"no slug":   "styles:\n  - art_style: x\n",
		"duplicate": "styles:\n  - {slug: a, art_style: x}\n  - {slug: a, art_style: y}\n",
		"no art":    "styles:\n  - {slug: a}\n",
		"volume":    "styles:\n  - {slug: a, art_style: x, background_music_volume: 2}\n",
		"not yaml":  "styles: [",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestResolve(t *testing.T) {
	c := Builtin()
	s, err := c.Resolve("")
	if err != nil || s.Slug != c.Default().Slug {
		t.Errorf("empty slug should resolve to default, got %v %v", s.Slug, err)
	}
	if _, err := c.Resolve("missing"); err == nil || !strings.Contains(err.Error(), "missing") {
		t.Errorf("expected unknown style error, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should fall back: %v", err)
	}
	if _, ok := c.Get("storybook"); !ok {
		t.Error("expected built-in styles")
	}

	path := filepath.Join(t.TempDir(), "styles.yaml")
	if err := os.WriteFile(path, []byte("styles:\n  - {slug: only, art_style: ink}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	c, err = Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if c.Default().Slug != "only" {
		t.Errorf("unexpected default %s", c.Default().Slug)
	}
}

func TestShippedCatalogParses(t *testing.T) {
	data, err := os.ReadFile("../../config/styles.yaml")
	if err != nil {
		t.Skip("catalog not present")
	}
	if _, err := Parse(data); err != nil {
		t.Fatalf("shipped catalog is invalid: %v", err)
	}
}
