package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discord-study-assistant-bot/internal/attach"
	"discord-study-assistant-bot/internal/llm"
	"discord-study-assistant-bot/internal/store"
)

const testPrompt = "you are a test assistant"

type fakeCompleter struct {
	reply string
	err   error

	calls     int
	lastTurns []llm.Turn
}

func (f *fakeCompleter) Complete(_ context.Context, _ string, turns []llm.Turn) (string, error) {
	f.calls++
	f.lastTurns = turns
	if f.err != nil {
		return "", f.err
	}

	return f.reply, nil
}

type fakeSession struct {
	reply string
	err   error

	calls   int
	lastMsg llm.Message
}

func (f *fakeSession) Send(_ context.Context, msg llm.Message) (string, error) {
	f.calls++
	f.lastMsg = msg
	if f.err != nil {
		return "", f.err
	}

	return f.reply, nil
}

type fakeSessionProvider struct {
	session *fakeSession

	uploads int
	listed  []llm.RemoteFile
	history []llm.Turn
}

func (f *fakeSessionProvider) StartSession(_ context.Context, _ string, history []llm.Turn) (llm.Session, error) {
	f.history = history
	return f.session, nil
}

func (f *fakeSessionProvider) UploadFile(_ context.Context, _ string, displayName string, mimeType string) (llm.RemoteFile, error) {
	f.uploads++
	remote := llm.RemoteFile{
		ID:          "files/" + displayName,
		DisplayName: displayName,
		URI:         "uri://" + displayName,
		MIMEType:    mimeType,
		State:       llm.FileReady,
	}
	f.listed = append(f.listed, remote)

	return remote, nil
}

func (f *fakeSessionProvider) GetFile(_ context.Context, id string) (llm.RemoteFile, error) {
	for _, remote := range f.listed {
		if remote.ID == id {
			return remote, nil
		}
	}

	return llm.RemoteFile{}, fmt.Errorf("no such file: %s", id)
}

func (f *fakeSessionProvider) ListFiles(_ context.Context) ([]llm.RemoteFile, error) {
	return f.listed, nil
}

func TestTextTurn(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	cs := store.New(kv, testPrompt, "llama", []string{"llama"})

	completer := &fakeCompleter{reply: "4"}
	gateway := llm.NewGateway()
	gateway.RegisterCompletion("llama", completer)

	orch := NewOrchestrator(cs, gateway, attach.NewPipeline(kv, nil, nil, t.TempDir()), DefaultPolicy(), "")

	reply, err := orch.HandleTurn(ctx, "user1", Input{Text: "2+2?"})
	require.NoError(t, err)
	assert.Equal(t, "4", reply.Text)

	// The request carried the full context plus the new turn.
	require.Len(t, completer.lastTurns, 2)
	assert.Equal(t, llm.RoleSystem, completer.lastTurns[0].Role)
	assert.Equal(t, "2+2?", completer.lastTurns[1].Text)

	turns, err := cs.Context(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, llm.RoleSystem, turns[0].Role)
	assert.Equal(t, testPrompt, turns[0].Text)
	assert.Equal(t, llm.RoleUser, turns[1].Role)
	assert.Equal(t, "2+2?", turns[1].Text)
	assert.Equal(t, llm.RoleAssistant, turns[2].Role)
	assert.Equal(t, "4", turns[2].Text)
}

func TestContextIntegrityAcrossTurns(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	cs := store.New(kv, testPrompt, "llama", []string{"llama"})

	completer := &fakeCompleter{reply: "ok"}
	gateway := llm.NewGateway()
	gateway.RegisterCompletion("llama", completer)

	orch := NewOrchestrator(cs, gateway, attach.NewPipeline(kv, nil, nil, t.TempDir()), DefaultPolicy(), "")

	// Run well past ten turns: every exchange must survive, nothing is
	// silently trimmed from the stored history.
	const exchanges = 8
	for i := 0; i < exchanges; i++ {
		_, err := orch.HandleTurn(ctx, "user1", Input{Text: fmt.Sprintf("question %d", i)})
		require.NoError(t, err)
	}

	turns, err := cs.Context(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, turns, 1+2*exchanges)

	assert.Equal(t, llm.RoleSystem, turns[0].Role)
	for i := 0; i < exchanges; i++ {
		user := turns[1+2*i]
		assistant := turns[2+2*i]
		assert.Equal(t, llm.RoleUser, user.Role)
		assert.Equal(t, fmt.Sprintf("question %d", i), user.Text)
		assert.Equal(t, llm.RoleAssistant, assistant.Role)
	}
}

func TestUserLocksAreReleased(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	cs := store.New(kv, testPrompt, "llama", []string{"llama"})

	completer := &fakeCompleter{reply: "ok"}
	gateway := llm.NewGateway()
	gateway.RegisterCompletion("llama", completer)

	orch := NewOrchestrator(cs, gateway, attach.NewPipeline(kv, nil, nil, t.TempDir()), DefaultPolicy(), "")

	// A burst of turns across several users must not leave stale entries in
	// the per-user lock map.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		for j := 0; j < 3; j++ {
			user := fmt.Sprintf("user%d", i)
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := orch.HandleTurn(ctx, user, Input{Text: "hello"})
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	orch.mu.Lock()
	defer orch.mu.Unlock()
	assert.Empty(t, orch.locks)
}

func TestFailedTurnDoesNotPolluteContext(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	cs := store.New(kv, testPrompt, "llama", []string{"llama"})

	before := []llm.Turn{
		{Role: llm.RoleSystem, Text: testPrompt},
		{Role: llm.RoleUser, Text: "hello"},
		{Role: llm.RoleAssistant, Text: "hi"},
	}
	require.NoError(t, cs.SaveContext(ctx, "user1", before))

	completer := &fakeCompleter{err: errors.New("rate limited")}
	gateway := llm.NewGateway()
	gateway.RegisterCompletion("llama", completer)

	orch := NewOrchestrator(cs, gateway, attach.NewPipeline(kv, nil, nil, t.TempDir()), Policy{MaxAttempts: 5, Delay: 5 * time.Second}, "")

	var delays []time.Duration
	orch.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	_, err := orch.HandleTurn(ctx, "user1", Input{Text: "broken?"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	// Exactly MaxAttempts calls, a fixed delay between each pair.
	assert.Equal(t, 5, completer.calls)
	require.Len(t, delays, 4)
	for _, d := range delays {
		assert.Equal(t, 5*time.Second, d)
	}

	after, err := cs.Context(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestUnknownModelIsFatal(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	cs := store.New(kv, testPrompt, "ghost", []string{"ghost"})

	orch := NewOrchestrator(cs, llm.NewGateway(), attach.NewPipeline(kv, nil, nil, t.TempDir()), DefaultPolicy(), "")

	var slept bool
	orch.sleep = func(context.Context, time.Duration) error {
		slept = true
		return nil
	}

	_, err := orch.HandleTurn(ctx, "user1", Input{Text: "hello"})
	assert.ErrorIs(t, err, llm.ErrUnknownModel)
	assert.False(t, slept)
}

func TestAttachmentTurn(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("%PDF-1.4 fake"))
	}))
	defer server.Close()

	kv := store.NewMemoryKV()
	cs := store.New(kv, testPrompt, "llama", []string{"llama", "gemini-pro"})

	provider := &fakeSessionProvider{session: &fakeSession{reply: "all tasks solved"}}
	gateway := llm.NewGateway()
	gateway.RegisterCompletion("llama", &fakeCompleter{reply: "unused"})
	gateway.RegisterSession("gemini-pro", provider)

	pipeline := attach.NewPipeline(kv, provider, nil, t.TempDir())
	pipeline.PollInterval = time.Millisecond

	orch := NewOrchestrator(cs, gateway, pipeline, DefaultPolicy(), "gemini-pro")

	reply, err := orch.HandleTurn(ctx, "user1", Input{
		Attachment: &attach.Inbound{Name: "notes.pdf", MIME: "application/pdf", Size: 13, URL: server.URL},
		Caption:    "solve this",
	})
	require.NoError(t, err)
	assert.Equal(t, "all tasks solved", reply.Text)
	assert.Equal(t, "gemini-pro", reply.Model)

	// The attachment forced and persisted the session-family model.
	model, err := cs.Model(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, "gemini-pro", model)

	assert.Equal(t, 1, provider.uploads)
	require.NotNil(t, provider.session.lastMsg.File)
	assert.Equal(t, "solve this", provider.session.lastMsg.Caption)

	turns, err := cs.Context(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, turns, 3)
	require.NotNil(t, turns[1].File)
	assert.Equal(t, "files/notes.pdf", turns[1].File.RemoteID)
	assert.Equal(t, "solve this", turns[1].File.Caption)
	assert.Equal(t, "all tasks solved", turns[2].Text)
}

func TestSessionTurnReplaysHistory(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	cs := store.New(kv, testPrompt, "gemini-pro", []string{"gemini-pro"})

	seeded := []llm.Turn{
		{Role: llm.RoleSystem, Text: testPrompt},
		{Role: llm.RoleUser, File: &llm.FileRef{RemoteID: "files/old.pdf", Caption: "summarize"}},
		{Role: llm.RoleAssistant, Text: "summary"},
	}
	require.NoError(t, cs.SaveContext(ctx, "user1", seeded))

	provider := &fakeSessionProvider{
		session: &fakeSession{reply: "follow-up answer"},
		listed:  []llm.RemoteFile{{ID: "files/old.pdf", DisplayName: "old.pdf", State: llm.FileReady}},
	}
	gateway := llm.NewGateway()
	gateway.RegisterSession("gemini-pro", provider)

	orch := NewOrchestrator(cs, gateway, attach.NewPipeline(kv, provider, nil, t.TempDir()), DefaultPolicy(), "gemini-pro")

	reply, err := orch.HandleTurn(ctx, "user1", Input{Text: "and then?"})
	require.NoError(t, err)
	assert.Equal(t, "follow-up answer", reply.Text)

	// The stored history was handed to the session as-is.
	assert.Equal(t, seeded, provider.history)
	assert.Equal(t, "and then?", provider.session.lastMsg.Text)

	turns, err := cs.Context(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, turns, 5)
}
