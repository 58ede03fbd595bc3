package attach

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Converter talks to the companion office-to-PDF service: a multipart POST
// with the source document, PDF bytes back.
type Converter struct {
	Endpoint string

	client *http.Client
}

func NewConverter(endpoint string) *Converter {
	return &Converter{
		Endpoint: endpoint,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
}

// Convert sends the file at path to the converter and writes the resulting
// PDF next to it, returning the PDF path.
func (c *Converter) Convert(ctx context.Context, path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, src); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	zap.L().Debug("converting document", zap.String("file", filepath.Base(path)))
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("converter returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	pdfPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".pdf"
	out, err := os.Create(pdfPath)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(pdfPath)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(pdfPath)
		return "", err
	}

	return pdfPath, nil
}

var errNoConverter = errors.New("document conversion is not configured")
