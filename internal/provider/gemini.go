package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/framemart/framemart/internal/httpclient"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel   = "gemini-2.0-flash"
)

// Gemini talks to the Google generative language API. One instance
// serves three kinds: classification, unified video analysis, and
// product extraction.
type Gemini struct {
	id      string
	apiKey  string
	baseURL string
	model   string
	http    *httpclient.Client
	logger  *slog.Logger
}

// GeminiOption customizes construction.
type GeminiOption func(*Gemini)

// WithGeminiBaseURL overrides the API endpoint, mainly for tests.
func WithGeminiBaseURL(url string) GeminiOption {
	return func(g *Gemini) { g.baseURL = strings.TrimRight(url, "/") }
}

// WithGeminiHTTPClient overrides the HTTP client.
func WithGeminiHTTPClient(c *httpclient.Client) GeminiOption {
	return func(g *Gemini) { g.http = c }
}

// NewGemini creates the Gemini provider.
func NewGemini(apiKey, model string, logger *slog.Logger, opts ...GeminiOption) *Gemini {
	if model == "" {
		model = defaultGeminiModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gemini{
		id:      "gemini",
		apiKey:  apiKey,
		baseURL: defaultGeminiBaseURL,
		model:   model,
		logger:  logger.With(slog.String("provider", "gemini")),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.http == nil {
		g.http = httpclient.New(httpclient.DefaultConfig())
	}
	return g
}

func (g *Gemini) ProviderID() string { return g.id }
func (g *Gemini) IsAvailable() bool  { return g.apiKey != "" }

// Wire types for the generateContent endpoint.
type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiRequest struct {
	Contents []struct {
		Parts []geminiPart `json:"parts"`
	} `json:"contents"`
	GenerationConfig struct {
		ResponseMimeType string `json:"response_mime_type,omitempty"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (g *Gemini) generate(ctx context.Context, model string, parts []geminiPart, out any) error {
	if model == "" {
		model = g.model
	}

	var req geminiRequest
	req.Contents = append(req.Contents, struct {
		Parts []geminiPart `json:"parts"`
	}{Parts: parts})
	req.GenerationConfig.ResponseMimeType = "application/json"

	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, model)
	headers := map[string]string{"x-goog-api-key": g.apiKey}

	var resp geminiResponse
	if err := g.http.PostJSON(ctx, url, headers, &req, &resp); err != nil {
		return fmt.Errorf("gemini generateContent: %w", err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return fmt.Errorf("gemini returned no candidates")
	}

	text := resp.Candidates[0].Content.Parts[0].Text
	// Some models wrap JSON in markdown fences despite the mime hint.
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), out); err != nil {
		return fmt.Errorf("gemini response is not the expected JSON: %w", err)
	}
	return nil
}

func inlineImagePart(path string) (geminiPart, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return geminiPart{}, fmt.Errorf("reading image %s: %w", path, err)
	}
	return geminiPart{InlineData: &geminiInlineData{
		MimeType: mimeForPath(path),
		Data:     base64.StdEncoding.EncodeToString(data),
	}}, nil
}

func mimeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	default:
		return "image/jpeg"
	}
}

const classifyPromptHeader = `You are analyzing frames sampled from a product video for an e-commerce listing.
For each image, in order, decide whether it is a usable product shot and assign it
to a product and variant. Respond with a JSON array, one object per image:
{"imageIndex": n, "accepted": bool, "productId": "", "variantId": "",
 "angleEstimate": "", "rotationAngleDeg": 0, "obstructions": [],
 "backgroundRecommendations": [], "isFinalSelection": bool, "rejectionReason": ""}`

// Classify implements Classifier with one batched generateContent call.
func (g *Gemini) Classify(ctx context.Context, req ClassificationRequest) ([]FrameClassification, error) {
	prompt := classifyPromptHeader
	if req.ProductContext != "" {
		prompt += "\nKnown product context: " + req.ProductContext
	}
	if req.Transcript != "" {
		prompt += "\nVideo transcript: " + req.Transcript
	}

	parts := []geminiPart{{Text: prompt}}
	for _, path := range req.ImagePaths {
		part, err := inlineImagePart(path)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}

	var raw []struct {
		ImageIndex                int      `json:"imageIndex"`
		Accepted                  bool     `json:"accepted"`
		ProductID                 string   `json:"productId"`
		VariantID                 string   `json:"variantId"`
		AngleEstimate             string   `json:"angleEstimate"`
		RotationAngleDeg          float64  `json:"rotationAngleDeg"`
		Obstructions              []string `json:"obstructions"`
		BackgroundRecommendations []string `json:"backgroundRecommendations"`
		IsFinalSelection          bool     `json:"isFinalSelection"`
		RejectionReason           string   `json:"rejectionReason"`
	}
	if err := g.generate(ctx, req.Model, parts, &raw); err != nil {
		return nil, err
	}

	out := make([]FrameClassification, 0, len(raw))
	for _, r := range raw {
		if r.ImageIndex < 0 || r.ImageIndex >= len(req.ImagePaths) {
			g.logger.Warn("classification references out-of-range image, dropping",
				slog.Int("image_index", r.ImageIndex),
				slog.Int("batch_size", len(req.ImagePaths)))
			continue
		}
		out = append(out, FrameClassification(r))
	}
	return out, nil
}

const analyzePrompt = `Analyze this product video for an e-commerce listing. Respond with JSON:
{"product": {"title": "", "description": "", "category": "", "brand": "",
 "colors": [], "keywords": []},
 "transcript": "", "variantCount": 0, "keyTimestamps": [],
 "suggestedPrompts": {"solid": "", "real": "", "creative": ""}}
keyTimestamps are the seconds offsets of the clearest product shots.`

// AnalyzeVideo implements UnifiedAnalyzer with a single video-in call.
func (g *Gemini) AnalyzeVideo(ctx context.Context, videoPath string, model string) (*VideoAnalysis, error) {
	part, err := inlineImagePart(videoPath)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Product struct {
			Title       string   `json:"title"`
			Description string   `json:"description"`
			Category    string   `json:"category"`
			Brand       string   `json:"brand"`
			Colors      []string `json:"colors"`
			Keywords    []string `json:"keywords"`
		} `json:"product"`
		Transcript       string            `json:"transcript"`
		VariantCount     int               `json:"variantCount"`
		KeyTimestamps    []float64         `json:"keyTimestamps"`
		SuggestedPrompts map[string]string `json:"suggestedPrompts"`
	}
	if err := g.generate(ctx, model, []geminiPart{{Text: analyzePrompt}, part}, &raw); err != nil {
		return nil, err
	}

	return &VideoAnalysis{
		Product:          ProductInfo(raw.Product),
		Transcript:       raw.Transcript,
		VariantCount:     raw.VariantCount,
		KeyTimestamps:    raw.KeyTimestamps,
		SuggestedPrompts: raw.SuggestedPrompts,
	}, nil
}

const extractPrompt = `From the transcript and sample frames below, extract the product being sold.
Respond with JSON: {"title": "", "description": "", "category": "", "brand": "",
"colors": [], "keywords": []}`

// ExtractProduct implements ProductExtractor.
func (g *Gemini) ExtractProduct(ctx context.Context, transcript string, imagePaths []string) (*ProductInfo, error) {
	parts := []geminiPart{{Text: extractPrompt + "\nTranscript: " + transcript}}
	for _, path := range imagePaths {
		part, err := inlineImagePart(path)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}

	var raw struct {
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Category    string   `json:"category"`
		Brand       string   `json:"brand"`
		Colors      []string `json:"colors"`
		Keywords    []string `json:"keywords"`
	}
	if err := g.generate(ctx, "", parts, &raw); err != nil {
		return nil, err
	}
	info := ProductInfo(raw)
	return &info, nil
}

var (
	_ Classifier       = (*Gemini)(nil)
	_ UnifiedAnalyzer  = (*Gemini)(nil)
	_ ProductExtractor = (*Gemini)(nil)
)
