package llm

import (
	"context"
	"errors"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrUnknownModel means the model id is not in the configured set. This is a
// configuration error and is never retried.
var ErrUnknownModel = errors.New("unknown model")

// FileRef points at a file previously uploaded to the provider's file store.
type FileRef struct {
	RemoteID string `json:"remote_id"`
	Caption  string `json:"caption"`
}

// Turn is one message in a conversation. It carries either plain text or a
// remote file reference with a caption, never both.
type Turn struct {
	Role Role     `json:"role"`
	Text string   `json:"text,omitempty"`
	File *FileRef `json:"file,omitempty"`
}

type FileState int8

const (
	FileProcessing FileState = iota
	FileReady
	FileFailed
)

// RemoteFile describes a file held in the provider's file store.
type RemoteFile struct {
	ID          string
	DisplayName string
	URI         string
	MIMEType    string
	State       FileState
}

// Completer is the stateless chat-completion family: the full ordered turn
// list goes in, one assistant message comes out.
type Completer interface {
	Complete(ctx context.Context, model string, turns []Turn) (string, error)
}

// Message is the next user message sent into an open session.
type Message struct {
	Text    string
	File    *RemoteFile
	Caption string
}

type Session interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// SessionProvider is the stateful session family: a remote chat session is
// seeded with translated history and holds server-side file state.
type SessionProvider interface {
	StartSession(ctx context.Context, model string, history []Turn) (Session, error)
	UploadFile(ctx context.Context, path string, displayName string, mimeType string) (RemoteFile, error)
	GetFile(ctx context.Context, id string) (RemoteFile, error)
	ListFiles(ctx context.Context) ([]RemoteFile, error)
}
