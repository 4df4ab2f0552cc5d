package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/framemart/framemart/internal/httpclient"
)

const defaultClaidBaseURL = "https://api.claid.ai"

// Claid is the hosted image API used as the paid alternative for
// background removal and as the upscaler. Its edit endpoint takes an
// accessible image URL and returns a result URL to download.
type Claid struct {
	id       string
	apiKey   string
	baseURL  string
	http     *httpclient.Client
	logger   *slog.Logger
	publicFn func(localPath string) (string, error)
}

// ClaidOption customizes construction.
type ClaidOption func(*Claid)

// WithClaidBaseURL overrides the API endpoint, mainly for tests.
func WithClaidBaseURL(url string) ClaidOption {
	return func(c *Claid) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithClaidHTTPClient overrides the HTTP client.
func WithClaidHTTPClient(client *httpclient.Client) ClaidOption {
	return func(c *Claid) { c.http = client }
}

// WithClaidPublisher sets the function that makes a local file publicly
// fetchable and returns its URL. The upload processor's blob store is
// the usual implementation.
func WithClaidPublisher(fn func(localPath string) (string, error)) ClaidOption {
	return func(c *Claid) { c.publicFn = fn }
}

// NewClaid creates the Claid provider.
func NewClaid(apiKey string, logger *slog.Logger, opts ...ClaidOption) *Claid {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Claid{
		id:      "claid",
		apiKey:  apiKey,
		baseURL: defaultClaidBaseURL,
		logger:  logger.With(slog.String("provider", "claid")),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = httpclient.New(httpclient.DefaultConfig())
	}
	return c
}

func (c *Claid) ProviderID() string { return c.id }
func (c *Claid) IsAvailable() bool  { return c.apiKey != "" }

type claidEditRequest struct {
	Input      string         `json:"input"`
	Operations map[string]any `json:"operations"`
}

type claidEditResponse struct {
	Data struct {
		Output struct {
			TmpURL string `json:"tmp_url"`
		} `json:"output"`
	} `json:"data"`
}

func (c *Claid) edit(ctx context.Context, inputPath, outputPath string, operations map[string]any) error {
	if c.publicFn == nil {
		return fmt.Errorf("claid requires a publisher to expose local files")
	}
	inputURL, err := c.publicFn(inputPath)
	if err != nil {
		return fmt.Errorf("publishing input image: %w", err)
	}

	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
	var resp claidEditResponse
	err = c.http.PostJSON(ctx, c.baseURL+"/v1-beta1/image/edit", headers,
		claidEditRequest{Input: inputURL, Operations: operations}, &resp)
	if err != nil {
		return fmt.Errorf("claid edit: %w", err)
	}
	if resp.Data.Output.TmpURL == "" {
		return fmt.Errorf("claid returned no output url")
	}

	return c.download(ctx, resp.Data.Output.TmpURL, outputPath)
}

func (c *Claid) download(ctx context.Context, url, outputPath string) error {
	resp, err := c.http.Get(ctx, url)
	if err != nil {
		return fmt.Errorf("downloading claid result: %w", err)
	}
	defer resp.Body.Close()

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("creating output image: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(outputPath)
		return fmt.Errorf("writing claid result: %w", err)
	}
	return out.Close()
}

// RemoveBackground implements BackgroundRemover.
func (c *Claid) RemoveBackground(ctx context.Context, inputPath, outputPath string) error {
	return c.edit(ctx, inputPath, outputPath, map[string]any{
		"background": map[string]any{"remove": true},
	})
}

// Upscale implements Upscaler.
func (c *Claid) Upscale(ctx context.Context, inputPath, outputPath string, factor int) error {
	if factor < 2 {
		factor = 2
	}
	return c.edit(ctx, inputPath, outputPath, map[string]any{
		"resizing": map[string]any{
			"width":  fmt.Sprintf("%d00%%", factor),
			"height": fmt.Sprintf("%d00%%", factor),
		},
		"restorations": map[string]any{"upscale": "smart_enhance"},
	})
}

var (
	_ BackgroundRemover = (*Claid)(nil)
	_ Upscaler          = (*Claid)(nil)
)
