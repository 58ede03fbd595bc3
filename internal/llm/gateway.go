package llm

import (
	"context"
	"fmt"
)

type Family int8

const (
	FamilyCompletion Family = iota
	FamilySession
)

// Gateway resolves a model id to its provider adapter. The mapping is built
// explicitly from configuration at startup.
type Gateway struct {
	completers map[string]Completer
	sessions   map[string]SessionProvider
}

func NewGateway() *Gateway {
	return &Gateway{
		completers: make(map[string]Completer),
		sessions:   make(map[string]SessionProvider),
	}
}

func (g *Gateway) RegisterCompletion(model string, client Completer) {
	g.completers[model] = client
}

func (g *Gateway) RegisterSession(model string, provider SessionProvider) {
	g.sessions[model] = provider
}

func (g *Gateway) Family(model string) (Family, error) {
	if _, ok := g.completers[model]; ok {
		return FamilyCompletion, nil
	}
	if _, ok := g.sessions[model]; ok {
		return FamilySession, nil
	}

	return 0, fmt.Errorf("%w: %s", ErrUnknownModel, model)
}

// Complete issues a stateless generation call for a completion-family model.
func (g *Gateway) Complete(ctx context.Context, model string, turns []Turn) (string, error) {
	client, ok := g.completers[model]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}

	return client.Complete(ctx, model, turns)
}

// SessionProvider returns the session-family provider backing the model.
func (g *Gateway) SessionProvider(model string) (SessionProvider, error) {
	provider, ok := g.sessions[model]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}

	return provider, nil
}
