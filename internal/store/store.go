package store

import (
	"context"
	"encoding/json"
	"fmt"

	"discord-study-assistant-bot/internal/llm"
)

// ContextStore owns the per-user conversation context and model selection.
// The orchestrator holds a transient copy of the context during a turn and
// writes it back in a single key write at the end.
type ContextStore struct {
	kv           KV
	systemPrompt string
	defaultModel string
	known        map[string]struct{}
}

func New(kv KV, systemPrompt string, defaultModel string, models []string) *ContextStore {
	known := make(map[string]struct{}, len(models))
	for _, model := range models {
		known[model] = struct{}{}
	}

	return &ContextStore{
		kv:           kv,
		systemPrompt: systemPrompt,
		defaultModel: defaultModel,
		known:        known,
	}
}

func (s *ContextStore) freshContext() []llm.Turn {
	return []llm.Turn{{Role: llm.RoleSystem, Text: s.systemPrompt}}
}

// Context returns the stored conversation, or a fresh single-turn context
// when the user has none yet.
func (s *ContextStore) Context(ctx context.Context, userID string) ([]llm.Turn, error) {
	data, ok, err := s.kv.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading context: %w", err)
	}
	if !ok {
		return s.freshContext(), nil
	}

	var turns []llm.Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("decoding context: %w", err)
	}
	if len(turns) == 0 {
		return s.freshContext(), nil
	}

	return turns, nil
}

func (s *ContextStore) SaveContext(ctx context.Context, userID string, turns []llm.Turn) error {
	data, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("encoding context: %w", err)
	}

	return s.kv.Set(ctx, userID, data)
}

func (s *ContextStore) Reset(ctx context.Context, userID string) error {
	return s.kv.Del(ctx, userID)
}

// Model returns the user's stored selection. A missing or no longer
// configured value falls back to the default.
func (s *ContextStore) Model(ctx context.Context, userID string) (string, error) {
	data, ok, err := s.kv.Get(ctx, userID+"_model")
	if err != nil {
		return "", fmt.Errorf("loading model selection: %w", err)
	}
	if !ok {
		return s.defaultModel, nil
	}

	model := string(data)
	if _, known := s.known[model]; !known {
		return s.defaultModel, nil
	}

	return model, nil
}

// SetModel stores the selection and resets the context as one logical
// operation. The context reset is written first: a crash in between leaves a
// stale model with a fresh context, never an old-model context under the new
// model id.
func (s *ContextStore) SetModel(ctx context.Context, userID string, model string) error {
	if err := s.SaveContext(ctx, userID, s.freshContext()); err != nil {
		return err
	}

	return s.kv.Set(ctx, userID+"_model", []byte(model))
}
