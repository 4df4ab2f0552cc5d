package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/framemart/framemart/internal/httpclient"
)

const defaultRembgBaseURL = "http://localhost:7000"

// Rembg removes backgrounds through a self-hosted rembg HTTP service.
// It is the default background remover: no per-image cost, runs inside
// the same network.
type Rembg struct {
	id      string
	baseURL string
	http    *httpclient.Client
	logger  *slog.Logger
}

// NewRembg creates the rembg provider. baseURL falls back to the local
// default when empty.
func NewRembg(baseURL string, logger *slog.Logger, client *httpclient.Client) *Rembg {
	if baseURL == "" {
		baseURL = defaultRembgBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = httpclient.New(httpclient.DefaultConfig())
	}
	return &Rembg{
		id:      "rembg",
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
		logger:  logger.With(slog.String("provider", "rembg")),
	}
}

func (r *Rembg) ProviderID() string { return r.id }
func (r *Rembg) IsAvailable() bool  { return r.baseURL != "" }

// RemoveBackground implements BackgroundRemover. The service takes a
// multipart image upload and answers with the PNG cutout bytes.
func (r *Rembg) RemoveBackground(ctx context.Context, inputPath, outputPath string) error {
	file, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("opening input image: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(inputPath))
	if err != nil {
		return fmt.Errorf("building multipart form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("copying image into form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing multipart form: %w", err)
	}

	payload := body.Bytes()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/remove", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("rembg remove: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &httpclient.StatusError{Code: resp.StatusCode, Body: string(snippet)}
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("creating output image: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(outputPath)
		return fmt.Errorf("writing cutout: %w", err)
	}
	return out.Close()
}

var _ BackgroundRemover = (*Rembg)(nil)
