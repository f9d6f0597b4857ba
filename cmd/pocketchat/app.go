package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/kalambet/pocketchat/internal/chat"
	"github.com/kalambet/pocketchat/internal/config"
	"github.com/kalambet/pocketchat/internal/provider"
)

// buildProviders registers every provider the config can reach, in
// fallback order. Network providers need an API key; the local one is
// always present.
func buildProviders(cfg config.Config) (*provider.Set, error) {
	order, err := cfg.FallbackOrder()
	if err != nil {
		return nil, err
	}
	limit := provider.WithRateLimit(cfg.Provider.RequestsPerSecond, 1)

	set := provider.NewSet(order...)
	for _, id := range order {
		pc := cfg.ProviderFor(id)
		switch id {
		case chat.ProviderLocal:
			set.Add(provider.NewOllama(pc.BaseURL), pc.Model)
		case chat.ProviderOpenAI:
			if pc.APIKey != "" {
				set.Add(provider.NewOpenAI(pc.APIKey, pc.BaseURL, limit), pc.Model)
			}
		case chat.ProviderAnthropic:
			if pc.APIKey != "" {
				set.Add(provider.NewAnthropic(pc.APIKey, pc.BaseURL, limit), pc.Model)
			}
		case chat.ProviderOpenRouter:
			if pc.APIKey != "" {
				set.Add(provider.NewOpenRouter(pc.APIKey, pc.BaseURL, limit), pc.Model)
			}
		}
	}
	if len(set.Configured()) == 0 {
		return nil, errors.New("no provider configured: enable local in chat.fallback or set an API key")
	}
	return set, nil
}

// localModels is the part of the Ollama client ensureLocalModel needs.
type localModels interface {
	IsRunning(ctx context.Context) bool
	HasModel(ctx context.Context, name string) bool
	PullModel(ctx context.Context, name string, onProgress func(provider.PullProgress)) error
}

// ensureLocalModel checks that Ollama is up and pulls model when it is
// missing. A stopped Ollama is only a warning: fallback may still reach
// a hosted provider.
func ensureLocalModel(ctx context.Context, o localModels, model string, w io.Writer) error {
	if !o.IsRunning(ctx) {
		fmt.Fprintln(w, colorize(colorYellow, "⚠ Ollama is not running; start it with: ollama serve"))
		return nil
	}
	if o.HasModel(ctx, model) {
		return nil
	}

	fmt.Fprintln(w, colorize(colorCyan, "→ Pulling "+model+"..."))
	last := ""
	err := o.PullModel(ctx, model, func(p provider.PullProgress) {
		if p.Status != last {
			fmt.Fprintf(w, "  %s\n", p.Status)
			last = p.Status
		}
	})
	if err != nil {
		return fmt.Errorf("pulling %s: %w", model, err)
	}
	fmt.Fprintln(w, colorize(colorGreen, "✓ "+model+" ready"))
	return nil
}
