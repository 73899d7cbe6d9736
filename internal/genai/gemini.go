// Package genai adapts the Gemini API to the pipeline's Generator port.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	gen "github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"scene-pipeline/internal/models"
	"scene-pipeline/internal/phasecache"
	"scene-pipeline/internal/pipeline"
)

const defaultTemperature = 0.7

// Client drives scene generation through Gemini.
type Client struct {
	client *gen.Client
	model  string
	logger zerolog.Logger
}

// New creates a Gemini-backed generator.
func New(ctx context.Context, apiKey, model string, logger zerolog.Logger) (*Client, error) {
	c, err := gen.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Client{
		client: c,
		model:  model,
		logger: logger.With().Str("component", "gemini").Logger(),
	}, nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	return c.client.Close()
}

type profilePayload struct {
	Style      string  `json:"style"`
	Tone       string  `json:"tone"`
	Palette    string  `json:"palette"`
	Confidence float64 `json:"confidence"`
}

// ExtractProfile runs phase 0: a visual-style profile for the source video.
func (c *Client) ExtractProfile(ctx context.Context, sourceURL string) (models.StyleProfile, error) {
	prompt := fmt.Sprintf(
		"Analyze the video at %s and describe its visual style. Return JSON with style, tone, palette, and a confidence between 0 and 1.",
		sourceURL,
	)
	var payload profilePayload
	if err := c.generateJSON(ctx, prompt, profileSchema(), &payload); err != nil {
		return models.StyleProfile{}, err
	}
	return models.StyleProfile{
		Style:      payload.Style,
		Tone:       payload.Tone,
		Palette:    payload.Palette,
		Confidence: payload.Confidence,
	}, nil
}

type entitiesPayload struct {
	Background string `json:"background"`
	Entities   []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"entities"`
}

// ExtractEntities runs phase 1: recurring characters and background context.
func (c *Client) ExtractEntities(ctx context.Context, sourceURL string, profile models.StyleProfile) (phasecache.Phase1Result, error) {
	prompt := fmt.Sprintf(
		"List the recurring characters and objects in the video at %s (style: %s). Return JSON with a background summary and an entities array of name/description pairs.",
		sourceURL, profile.Style,
	)
	var payload entitiesPayload
	if err := c.generateJSON(ctx, prompt, entitiesSchema(), &payload); err != nil {
		return phasecache.Phase1Result{}, err
	}
	registry := make(map[string]string, len(payload.Entities))
	for _, e := range payload.Entities {
		if e.Name != "" {
			registry[e.Name] = e.Description
		}
	}
	return phasecache.Phase1Result{Background: payload.Background, Registry: registry}, nil
}

type scenesPayload struct {
	Scenes []struct {
		Description  string `json:"description"`
		CharacterRef string `json:"character_ref"`
		ObjectRef    string `json:"object_ref"`
		Environment  string `json:"environment"`
		Lighting     string `json:"lighting"`
		Composition  string `json:"composition"`
	} `json:"scenes"`
	Entities []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"entities"`
}

// GenerateBatch runs one phase-2 batch.
func (c *Client) GenerateBatch(ctx context.Context, req pipeline.BatchRequest) ([]models.Scene, map[string]string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Generate %d new scenes for the video at %s, batch %d.\n", req.BatchSize, req.SourceURL, req.BatchNumber)
	fmt.Fprintf(&sb, "Style: %s. Background: %s.\n", req.Profile.Style, req.Background)
	if len(req.Entities) > 0 {
		sb.WriteString("Known characters:\n")
		for name, desc := range req.Entities {
			fmt.Fprintf(&sb, "- %s: %s\n", name, desc)
		}
	}
	if n := len(req.Existing); n > 0 {
		fmt.Fprintf(&sb, "Continue after the %d scenes already generated; do not repeat them.\n", n)
	}
	sb.WriteString("Return JSON with a scenes array and any newly introduced entities.")

	var payload scenesPayload
	if err := c.generateJSON(ctx, sb.String(), scenesSchema(), &payload); err != nil {
		return nil, nil, err
	}

	base := len(req.Existing)
	scenes := make([]models.Scene, 0, len(payload.Scenes))
	for i, s := range payload.Scenes {
		scene := models.Scene{
			SceneNumber:  base + i + 1,
			Description:  s.Description,
			CharacterRef: s.CharacterRef,
			ObjectRef:    s.ObjectRef,
			Environment:  s.Environment,
			Lighting:     s.Lighting,
			Composition:  s.Composition,
			Style:        req.Profile.Style,
		}
		scene.Prompt = synthesizePrompt(scene)
		scenes = append(scenes, scene)
	}
	entities := make(map[string]string, len(payload.Entities))
	for _, e := range payload.Entities {
		if e.Name != "" {
			entities[e.Name] = e.Description
		}
	}
	return scenes, entities, nil
}

// synthesizePrompt flattens a scene into a single generation prompt string.
func synthesizePrompt(s models.Scene) string {
	parts := make([]string, 0, 6)
	for _, p := range []string{s.Description, s.CharacterRef, s.ObjectRef, s.Environment, s.Lighting, s.Composition, s.Style} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

func (c *Client) generateJSON(ctx context.Context, prompt string, schema *gen.Schema, out any) error {
	model := c.client.GenerativeModel(c.model)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = schema
	temp := float32(defaultTemperature)
	model.Temperature = &temp

	resp, err := model.GenerateContent(ctx, gen.Text(prompt))
	if err != nil {
		return &pipeline.GenError{Kind: models.ErrKindNetwork, Retryable: true, Err: fmt.Errorf("gemini call: %w", err)}
	}
	raw, err := responseText(resp)
	if err != nil {
		return &pipeline.GenError{Kind: models.ErrKindParse, Retryable: false, Err: err}
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		c.logger.Warn().Str("response", truncateForLog(raw)).Msg("unparseable model response")
		return &pipeline.GenError{Kind: models.ErrKindParse, Retryable: false, Err: fmt.Errorf("decode model response: %w", err)}
	}
	return nil
}

func responseText(resp *gen.GenerateContentResponse) (string, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("empty model response")
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(gen.Text); ok {
			sb.WriteString(string(text))
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("model response contained no text parts")
	}
	return sb.String(), nil
}

func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200]
	}
	return s
}

func profileSchema() *gen.Schema {
	return &gen.Schema{
		Type: gen.TypeObject,
		Properties: map[string]*gen.Schema{
			"style":      {Type: gen.TypeString},
			"tone":       {Type: gen.TypeString},
			"palette":    {Type: gen.TypeString},
			"confidence": {Type: gen.TypeNumber},
		},
		Required: []string{"style", "confidence"},
	}
}

func entitiesSchema() *gen.Schema {
	return &gen.Schema{
		Type: gen.TypeObject,
		Properties: map[string]*gen.Schema{
			"background": {Type: gen.TypeString},
			"entities": {
				Type: gen.TypeArray,
				Items: &gen.Schema{
					Type: gen.TypeObject,
					Properties: map[string]*gen.Schema{
						"name":        {Type: gen.TypeString},
						"description": {Type: gen.TypeString},
					},
					Required: []string{"name"},
				},
			},
		},
		Required: []string{"background"},
	}
}

func scenesSchema() *gen.Schema {
	return &gen.Schema{
		Type: gen.TypeObject,
		Properties: map[string]*gen.Schema{
			"scenes": {
				Type: gen.TypeArray,
				Items: &gen.Schema{
					Type: gen.TypeObject,
					Properties: map[string]*gen.Schema{
						"description":   {Type: gen.TypeString},
						"character_ref": {Type: gen.TypeString},
						"object_ref":    {Type: gen.TypeString},
						"environment":   {Type: gen.TypeString},
						"lighting":      {Type: gen.TypeString},
						"composition":   {Type: gen.TypeString},
					},
					Required: []string{"description"},
				},
			},
			"entities": {
				Type: gen.TypeArray,
				Items: &gen.Schema{
					Type: gen.TypeObject,
					Properties: map[string]*gen.Schema{
						"name":        {Type: gen.TypeString},
						"description": {Type: gen.TypeString},
					},
				},
			},
		},
		Required: []string{"scenes"},
	}
}
