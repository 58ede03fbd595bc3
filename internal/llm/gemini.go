package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiClient serves the session family on the Gemini file and chat APIs.
type GeminiClient struct {
	client *genai.Client
	system string
}

func NewGeminiClient(ctx context.Context, apiKey string, systemPrompt string) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}

	return &GeminiClient{client: client, system: systemPrompt}, nil
}

func (g *GeminiClient) Close() error {
	return g.client.Close()
}

func (g *GeminiClient) model(name string) *genai.GenerativeModel {
	model := g.client.GenerativeModel(name)
	model.SetTemperature(1)
	model.SetTopP(0.95)
	model.SetTopK(40)
	model.SetMaxOutputTokens(8192)
	model.ResponseMIMEType = "text/plain"
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(g.system)}}

	return model
}

// StartSession seeds a remote chat session with translated history. The
// system turn is dropped (it rides along as the model's system instruction),
// assistant turns map to the "model" role and file turns are re-resolved by
// remote id before replay. Remote files have their own lifetime, so a
// reference that no longer resolves fails the whole turn.
func (g *GeminiClient) StartSession(ctx context.Context, model string, history []Turn) (Session, error) {
	var contents []*genai.Content
	for _, turn := range history {
		switch turn.Role {
		case RoleSystem:
			continue
		case RoleAssistant:
			contents = append(contents, &genai.Content{
				Role:  "model",
				Parts: []genai.Part{genai.Text(turn.Text)},
			})
		case RoleUser:
			if turn.File == nil {
				contents = append(contents, &genai.Content{
					Role:  "user",
					Parts: []genai.Part{genai.Text(turn.Text)},
				})
				continue
			}

			file, err := g.client.GetFile(ctx, turn.File.RemoteID)
			if err != nil {
				return nil, fmt.Errorf("resolving file %q from history: %w", turn.File.RemoteID, err)
			}

			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []genai.Part{
					genai.FileData{MIMEType: file.MIMEType, URI: file.URI},
					genai.Text(turn.File.Caption),
				},
			})
		}
	}

	session := g.model(model).StartChat()
	session.History = contents

	return &geminiSession{session: session}, nil
}

func (g *GeminiClient) UploadFile(ctx context.Context, path string, displayName string, mimeType string) (RemoteFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return RemoteFile{}, err
	}
	defer f.Close()

	zap.L().Info("uploading file", zap.String("display_name", displayName), zap.String("mime", mimeType))
	file, err := g.client.UploadFile(ctx, "", f, &genai.UploadFileOptions{
		DisplayName: displayName,
		MIMEType:    mimeType,
	})
	if err != nil {
		return RemoteFile{}, err
	}

	return toRemoteFile(file), nil
}

func (g *GeminiClient) GetFile(ctx context.Context, id string) (RemoteFile, error) {
	file, err := g.client.GetFile(ctx, id)
	if err != nil {
		return RemoteFile{}, err
	}

	return toRemoteFile(file), nil
}

func (g *GeminiClient) ListFiles(ctx context.Context) ([]RemoteFile, error) {
	var files []RemoteFile

	it := g.client.ListFiles(ctx)
	for {
		file, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}

		files = append(files, toRemoteFile(file))
	}

	return files, nil
}

func toRemoteFile(file *genai.File) RemoteFile {
	state := FileProcessing
	switch file.State {
	case genai.FileStateActive:
		state = FileReady
	case genai.FileStateFailed:
		state = FileFailed
	}

	return RemoteFile{
		ID:          file.Name,
		DisplayName: file.DisplayName,
		URI:         file.URI,
		MIMEType:    file.MIMEType,
		State:       state,
	}
}

type geminiSession struct {
	session *genai.ChatSession
}

func (s *geminiSession) Send(ctx context.Context, msg Message) (string, error) {
	var parts []genai.Part
	if msg.File != nil {
		parts = append(parts,
			genai.FileData{MIMEType: msg.File.MIMEType, URI: msg.File.URI},
			genai.Text(msg.Caption))
	} else {
		parts = append(parts, genai.Text(msg.Text))
	}

	resp, err := s.session.SendMessage(ctx, parts...)
	if err != nil {
		return "", err
	}

	return responseText(resp)
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("response contains no candidates")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}

	if sb.Len() == 0 {
		return "", fmt.Errorf("response contains no text")
	}

	return sb.String(), nil
}
