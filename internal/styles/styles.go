// Package styles holds the catalog of video styles a project can pick from.
// The catalog is read once at startup and never changes afterwards.
package styles

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/bobarin/storyreel/internal/models"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type file struct {
	Styles []models.Style `yaml:"styles"`
}

type Catalog struct {
	styles []models.Style
	bySlug map[string]int
}

// Load reads a YAML catalog. A missing file yields the built-in catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Builtin(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("path", path).Msg("[Styles] catalog not found, using built-in styles")
		return Builtin(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read styles: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Info().Str("path", path).Int("styles", len(c.styles)).Msg("[Styles] catalog loaded")
	return c, nil
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse styles: %w", err)
	}
	return newCatalog(f.Styles)
}

func newCatalog(styles []models.Style) (*Catalog, error) {
	if len(styles) == 0 {
		return nil, errors.New("catalog has no styles")
	}
	c := &Catalog{
		styles: make([]models.Style, 0, len(styles)),
		bySlug: make(map[string]int, len(styles)),
	}
	for i, s := range styles {
		s.Slug = strings.TrimSpace(s.Slug)
		if s.Slug == "" {
			return nil, fmt.Errorf("style %d has no slug", i)
		}
		if _, dup := c.bySlug[s.Slug]; dup {
			return nil, fmt.Errorf("duplicate style %q", s.Slug)
		}
		if s.ArtStyle == "" {
			return nil, fmt.Errorf("style %q has no art_style", s.Slug)
		}
		if s.BackgroundMusicVolume < 0 || s.BackgroundMusicVolume > 1 {
			return nil, fmt.Errorf("style %q: background_music_volume must be within [0, 1]", s.Slug)
		}
		if s.Name == "" {
			s.Name = s.Slug
		}
		c.bySlug[s.Slug] = len(c.styles)
		c.styles = append(c.styles, s.WithDefaults())
	}
	return c, nil
}

// Get returns the style with the given slug.
func (c *Catalog) Get(slug string) (models.Style, bool) {
	i, ok := c.bySlug[slug]
	if !ok {
		return models.Style{}, false
	}
	return c.styles[i], true
}

// Resolve returns the named style, or the default one for an empty slug.
func (c *Catalog) Resolve(slug string) (models.Style, error) {
	if slug == "" {
		return c.Default(), nil
	}
	s, ok := c.Get(slug)
	if !ok {
		return models.Style{}, fmt.Errorf("unknown style %q", slug)
	}
	return s, nil
}

// List returns the styles in catalog order.
func (c *Catalog) List() []models.Style {
	out := make([]models.Style, len(c.styles))
	copy(out, c.styles)
	return out
}

// Default is the first style of the catalog.
func (c *Catalog) Default() models.Style {
	return c.styles[0]
}

// Builtin is used when no catalog file is configured.
func Builtin() *Catalog {
	c, err := newCatalog([]models.Style{
		{
			Slug:     "storybook",
			Name:     "Storybook",
			Tone:     models.Tone{Voice: "Kore", Prompt: "Read warmly, like a bedtime story"},
			ArtStyle: "soft watercolor illustration with gentle light",
		},
		{
			Slug:     "documentary",
			Name:     "Documentary",
			Tone:     models.Tone{Voice: "Charon", Prompt: "Calm, measured documentary narration"},
			ArtStyle: "cinematic photorealism, natural light, shallow depth of field",
		},
		{
			Slug:     "noir",
			Name:     "Noir",
			Tone:     models.Tone{Voice: "Fenrir", Prompt: "Low and tense, slow delivery"},
			ArtStyle: "high-contrast black and white film noir",
		},
	})
	if err != nil {
		panic(err)
	}
	return c
}
