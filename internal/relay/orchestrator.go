package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"discord-study-assistant-bot/internal/attach"
	"discord-study-assistant-bot/internal/llm"
	"discord-study-assistant-bot/internal/store"
)

const defaultCaption = "Complete the tasks in this document"

// ErrProviderUnavailable is the terminal error after the retry budget for a
// generation call is exhausted.
var ErrProviderUnavailable = errors.New("provider unavailable")

// Input is one inbound user turn: text, an attachment, or both (the text
// doubles as the attachment caption).
type Input struct {
	Text       string
	Attachment *attach.Inbound
	Caption    string
	Notify     attach.Notifier
}

type Reply struct {
	Text  string
	Model string

	// ConvertedPDF is set when the attachment went through the office
	// converter this turn, so the front-end can hand the PDF back.
	ConvertedPDF []byte
	PDFName      string
}

// Orchestrator coordinates a single conversation turn: context load,
// attachment processing, the retried generation call and the
// persist-on-success of the updated context.
type Orchestrator struct {
	store           *store.ContextStore
	gateway         *llm.Gateway
	pipeline        *attach.Pipeline
	policy          Policy
	attachmentModel string
	sleep           func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	locks map[string]*userLock
}

// userLock is a per-user mutex with a holder count, so entries can be dropped
// from the lock map once the last turn for that user finishes.
type userLock struct {
	sync.Mutex
	refs int
}

func NewOrchestrator(contextStore *store.ContextStore, gateway *llm.Gateway, pipeline *attach.Pipeline, policy Policy, attachmentModel string) *Orchestrator {
	return &Orchestrator{
		store:           contextStore,
		gateway:         gateway,
		pipeline:        pipeline,
		policy:          policy,
		attachmentModel: attachmentModel,
		sleep:           sleepContext,
		locks:           make(map[string]*userLock),
	}
}

// lockUser serializes turns per user. Concurrent messages from one user
// would otherwise race on the context's load-mutate-store cycle and lose one
// of the turns.
func (o *Orchestrator) lockUser(userID string) *userLock {
	o.mu.Lock()
	lock, ok := o.locks[userID]
	if !ok {
		lock = &userLock{}
		o.locks[userID] = lock
	}
	lock.refs++
	o.mu.Unlock()

	lock.Lock()
	return lock
}

func (o *Orchestrator) unlockUser(userID string, lock *userLock) {
	lock.Unlock()

	o.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(o.locks, userID)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) HandleTurn(ctx context.Context, userID string, in Input) (*Reply, error) {
	lock := o.lockUser(userID)
	defer o.unlockUser(userID, lock)

	log := zap.L().With(
		zap.String("turn_id", uuid.Must(uuid.NewV7()).String()),
		zap.String("user", userID))
	log.Debug("handling turn", zap.Bool("attachment", in.Attachment != nil))

	turns, err := o.store.Context(ctx, userID)
	if err != nil {
		return nil, err
	}
	model, err := o.store.Model(ctx, userID)
	if err != nil {
		return nil, err
	}

	reply := &Reply{}
	var userTurn llm.Turn
	var remote *llm.RemoteFile

	if in.Attachment != nil {
		if o.attachmentModel == "" {
			return nil, errors.New("no session-family model configured for attachments")
		}

		result, err := o.pipeline.Process(ctx, userID, *in.Attachment, in.Notify)
		if err != nil {
			// Pipeline failures abort the turn before any context mutation.
			return nil, err
		}

		// Attachments always run on the session family. Persisting the
		// switch resets the context, so an attachment starts a fresh
		// session.
		model = o.attachmentModel
		if err := o.store.SetModel(ctx, userID, model); err != nil {
			return nil, err
		}
		turns, err = o.store.Context(ctx, userID)
		if err != nil {
			return nil, err
		}

		caption := in.Caption
		if caption == "" {
			caption = defaultCaption
		}

		userTurn = llm.Turn{Role: llm.RoleUser, File: &llm.FileRef{RemoteID: result.File.RemoteID, Caption: caption}}
		remote = &result.Remote
		reply.ConvertedPDF = result.ConvertedPDF
		reply.PDFName = result.File.PDFName

		o.pipeline.Cleanup(userID)
	} else {
		userTurn = llm.Turn{Role: llm.RoleUser, Text: in.Text}
	}

	family, err := o.gateway.Family(model)
	if err != nil {
		return nil, err
	}

	var generate func(ctx context.Context) (string, error)
	switch family {
	case llm.FamilyCompletion:
		request := append(append([]llm.Turn{}, turns...), userTurn)
		generate = func(ctx context.Context) (string, error) {
			return o.gateway.Complete(ctx, model, request)
		}
	case llm.FamilySession:
		provider, err := o.gateway.SessionProvider(model)
		if err != nil {
			return nil, err
		}

		session, err := provider.StartSession(ctx, model, turns)
		if err != nil {
			return nil, err
		}

		msg := llm.Message{Text: in.Text}
		if remote != nil {
			msg = llm.Message{File: remote, Caption: userTurn.File.Caption}
		}
		generate = func(ctx context.Context) (string, error) {
			return session.Send(ctx, msg)
		}
	}

	answer, err := o.generateWithRetry(ctx, model, generate)
	if err != nil {
		// The appended user turn is discarded: a failed turn must not leave
		// an orphaned user message in the stored context.
		return nil, err
	}

	// The full history is persisted; context only ever shrinks through an
	// explicit reset or a model switch.
	turns = append(turns, userTurn, llm.Turn{Role: llm.RoleAssistant, Text: answer})
	if err := o.store.SaveContext(ctx, userID, turns); err != nil {
		return nil, err
	}
	log.Info("turn complete", zap.String("model", model), zap.Int("context_len", len(turns)))

	reply.Text = answer
	reply.Model = model
	return reply, nil
}

func (o *Orchestrator) generateWithRetry(ctx context.Context, model string, call func(ctx context.Context) (string, error)) (string, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		answer, err := call(ctx)
		if err == nil {
			return answer, nil
		}
		lastErr = err

		delay, retry := o.policy.Next(attempt, err)
		if !retry {
			break
		}

		zap.L().Warn("generation attempt failed",
			zap.String("model", model), zap.Int("attempt", attempt), zap.Error(err))
		if err := o.sleep(ctx, delay); err != nil {
			return "", err
		}
	}

	return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
