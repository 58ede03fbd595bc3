package attach

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"discord-study-assistant-bot/internal/llm"
	"discord-study-assistant-bot/internal/store"
)

type State int8

const (
	StateReceived State = iota
	StateConversionPending
	StateConversionDone
	StateUploadPending
	StateProcessing
	StateReady
	StateFailed
)

// Notifier receives stage transitions so the front-end can keep its status
// message current. May be nil.
type Notifier func(state State)

// File is one user-submitted attachment across its pipeline stages. RemoteID
// is only ever set after the remote copy reported ready.
type File struct {
	Name     string `json:"name"`
	MIME     string `json:"mimetype"`
	Size     int64  `json:"size"`
	PDFName  string `json:"pdf_name,omitempty"`
	RemoteID string `json:"gemini_name,omitempty"`
}

// Inbound describes an attachment as delivered by the chat front-end.
type Inbound struct {
	Name string
	MIME string
	Size int64
	URL  string
}

// Result is a completed pipeline run. ConvertedPDF carries the freshly
// converted document back to the user; nil when no conversion happened.
type Result struct {
	File         File
	Remote       llm.RemoteFile
	ConvertedPDF []byte
}

type DocumentConverter interface {
	Convert(ctx context.Context, path string) (string, error)
}

// Pipeline drives an attachment from the front-end to a ready remote file:
// download, office-to-PDF conversion where needed, upload to the provider
// file store and a poll until the remote copy is usable. Two caches make
// resubmissions cheap: the per-user processed list (name+size+mime) and the
// provider's own file listing (display name).
type Pipeline struct {
	PollInterval time.Duration

	kv        store.KV
	provider  llm.SessionProvider
	converter DocumentConverter
	dir       string
	client    *http.Client
}

func NewPipeline(kv store.KV, provider llm.SessionProvider, converter DocumentConverter, dir string) *Pipeline {
	return &Pipeline{
		PollInterval: 10 * time.Second,
		kv:           kv,
		provider:     provider,
		converter:    converter,
		dir:          dir,
		client:       &http.Client{Timeout: 120 * time.Second},
	}
}

// Files returns the user's processed-attachment list.
func (p *Pipeline) Files(ctx context.Context, userID string) ([]File, error) {
	data, ok, err := p.kv.Get(ctx, userID+"_files")
	if err != nil {
		return nil, fmt.Errorf("loading processed files: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var files []File
	if err := json.Unmarshal(data, &files); err != nil {
		return nil, fmt.Errorf("decoding processed files: %w", err)
	}

	return files, nil
}

func (p *Pipeline) saveFiles(ctx context.Context, userID string, files []File) error {
	data, err := json.Marshal(files)
	if err != nil {
		return err
	}

	return p.kv.Set(ctx, userID+"_files", data)
}

func (p *Pipeline) Process(ctx context.Context, userID string, in Inbound, notify Notifier) (*Result, error) {
	report := func(state State) {
		if notify != nil {
			notify(state)
		}
	}
	report(StateReceived)

	file := File{Name: in.Name, MIME: in.MIME, Size: in.Size}

	processed, err := p.Files(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, pf := range processed {
		if pf.Name == file.Name && pf.Size == file.Size && pf.MIME == file.MIME {
			zap.L().Debug("attachment already processed", zap.String("name", file.Name))
			file.PDFName = pf.PDFName
			break
		}
	}

	remoteFiles, err := p.provider.ListFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing remote files: %w", err)
	}
	for _, rf := range remoteFiles {
		if file.PDFName != "" && rf.DisplayName == file.PDFName {
			zap.L().Debug("attachment already uploaded", zap.String("remote_id", rf.ID))
			file.RemoteID = rf.ID
			break
		}
	}

	userDir := filepath.Join(p.dir, userID)
	var result Result

	// An upload needs a local artifact. A fresh file is downloaded and
	// converted; a cached PDFName whose local copy was cleaned up after an
	// earlier turn (while the remote copy expired) is rebuilt from the
	// source the same way.
	if file.RemoteID == "" && !localArtifactExists(userDir, file.PDFName) {
		if err := os.MkdirAll(userDir, 0o755); err != nil {
			return nil, err
		}
		if err := p.download(ctx, in.URL, filepath.Join(userDir, file.Name)); err != nil {
			return nil, fmt.Errorf("downloading attachment: %w", err)
		}

		if needsConversion(file.MIME) {
			report(StateConversionPending)
			if p.converter == nil {
				return nil, errNoConverter
			}

			pdfPath, err := p.converter.Convert(ctx, filepath.Join(userDir, file.Name))
			if err != nil {
				report(StateFailed)
				return nil, fmt.Errorf("converting to pdf: %w", err)
			}

			file.PDFName = filepath.Base(pdfPath)
			result.ConvertedPDF, err = os.ReadFile(pdfPath)
			if err != nil {
				report(StateFailed)
				return nil, err
			}
			report(StateConversionDone)
		} else {
			file.PDFName = file.Name
		}
	}

	var remote llm.RemoteFile
	if file.RemoteID == "" {
		report(StateUploadPending)
		mimeType := file.MIME
		if strings.HasSuffix(file.PDFName, ".pdf") {
			mimeType = "application/pdf"
		}

		remote, err = p.provider.UploadFile(ctx, filepath.Join(userDir, file.PDFName), file.PDFName, mimeType)
		if err != nil {
			report(StateFailed)
			return nil, fmt.Errorf("uploading to provider: %w", err)
		}

		report(StateProcessing)
		remote, err = p.waitReady(ctx, remote)
		if err != nil {
			report(StateFailed)
			return nil, err
		}
		file.RemoteID = remote.ID
	} else {
		remote, err = p.provider.GetFile(ctx, file.RemoteID)
		if err != nil {
			report(StateFailed)
			return nil, fmt.Errorf("resolving remote file: %w", err)
		}
	}
	report(StateReady)

	processed = append(processed, file)
	if err := p.saveFiles(ctx, userID, processed); err != nil {
		return nil, err
	}

	result.File = file
	result.Remote = remote
	return &result, nil
}

// waitReady polls the remote file at a fixed interval until it leaves the
// processing state.
func (p *Pipeline) waitReady(ctx context.Context, remote llm.RemoteFile) (llm.RemoteFile, error) {
	for remote.State == llm.FileProcessing {
		zap.L().Debug("waiting for remote file", zap.String("remote_id", remote.ID))

		select {
		case <-ctx.Done():
			return remote, ctx.Err()
		case <-time.After(p.PollInterval):
		}

		var err error
		remote, err = p.provider.GetFile(ctx, remote.ID)
		if err != nil {
			return remote, fmt.Errorf("polling remote file: %w", err)
		}
	}

	if remote.State != llm.FileReady {
		return remote, fmt.Errorf("remote file %s failed processing", remote.ID)
	}

	return remote, nil
}

// Cleanup removes the user's local attachment directory. Called once the
// file content has been consumed into the outbound request; remote copies
// stay, future turns reference them.
func (p *Pipeline) Cleanup(userID string) {
	if err := os.RemoveAll(filepath.Join(p.dir, userID)); err != nil {
		zap.L().Warn("failed to clean attachment dir", zap.Error(err))
	}
}

func (p *Pipeline) download(ctx context.Context, url string, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("attachment download returned %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

// localArtifactExists reports whether the upload artifact from an earlier run
// is still on disk.
func localArtifactExists(dir string, pdfName string) bool {
	if pdfName == "" {
		return false
	}

	_, err := os.Stat(filepath.Join(dir, pdfName))
	return err == nil
}

// PDFs and images go to the provider as-is, everything else goes through the
// office converter first.
func needsConversion(mimeType string) bool {
	return !strings.Contains(mimeType, "pdf") && !strings.Contains(mimeType, "image")
}
