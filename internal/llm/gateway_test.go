package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCompleter struct {
	reply string
}

func (s *staticCompleter) Complete(context.Context, string, []Turn) (string, error) {
	return s.reply, nil
}

type noopSessionProvider struct{}

func (noopSessionProvider) StartSession(context.Context, string, []Turn) (Session, error) {
	return nil, errors.New("not implemented")
}

func (noopSessionProvider) UploadFile(context.Context, string, string, string) (RemoteFile, error) {
	return RemoteFile{}, errors.New("not implemented")
}

func (noopSessionProvider) GetFile(context.Context, string) (RemoteFile, error) {
	return RemoteFile{}, errors.New("not implemented")
}

func (noopSessionProvider) ListFiles(context.Context) ([]RemoteFile, error) {
	return nil, nil
}

func TestGatewayFamilyResolution(t *testing.T) {
	gateway := NewGateway()
	gateway.RegisterCompletion("llama", &staticCompleter{reply: "ok"})
	gateway.RegisterSession("gemini-pro", noopSessionProvider{})

	family, err := gateway.Family("llama")
	require.NoError(t, err)
	assert.Equal(t, FamilyCompletion, family)

	family, err = gateway.Family("gemini-pro")
	require.NoError(t, err)
	assert.Equal(t, FamilySession, family)
}

func TestGatewayUnknownModel(t *testing.T) {
	gateway := NewGateway()
	gateway.RegisterCompletion("llama", &staticCompleter{reply: "ok"})

	_, err := gateway.Family("gpt-imaginary")
	assert.ErrorIs(t, err, ErrUnknownModel)

	_, err = gateway.Complete(context.Background(), "gpt-imaginary", nil)
	assert.ErrorIs(t, err, ErrUnknownModel)

	_, err = gateway.SessionProvider("gpt-imaginary")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestGatewayCompleteDispatch(t *testing.T) {
	gateway := NewGateway()
	gateway.RegisterCompletion("llama", &staticCompleter{reply: "4"})

	answer, err := gateway.Complete(context.Background(), "llama", []Turn{
		{Role: RoleSystem, Text: "prompt"},
		{Role: RoleUser, Text: "2+2?"},
	})
	require.NoError(t, err)
	assert.Equal(t, "4", answer)
}
