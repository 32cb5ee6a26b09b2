package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/providers"
	"github.com/haasonsaas/nexus/internal/providers/anthropic"
	"github.com/haasonsaas/nexus/internal/providers/bedrock"
	"github.com/haasonsaas/nexus/internal/providers/gemini"
	"github.com/haasonsaas/nexus/internal/providers/openai"
	"github.com/haasonsaas/nexus/internal/providers/venice"
)

// buildProvider constructs the concrete providers.LLMProvider named by
// cfg.Kind. The named candidates in cfg.Failover.Chain (or, absent a
// chain, every configured provider in map order) are assembled into the
// failover policy's candidate list by buildCandidates.
func buildProvider(ctx context.Context, name string, cfg config.ProviderConfig) (providers.LLMProvider, error) {
	switch strings.ToLower(cfg.Kind) {
	case "anthropic":
		return anthropic.New(anthropic.Config{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.DefaultModel,
		})
	case "openai":
		return openai.New(openai.Config{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.DefaultModel,
		})
	case "gemini":
		return gemini.New(ctx, gemini.Config{
			APIKey:       cfg.APIKey,
			DefaultModel: cfg.DefaultModel,
		})
	case "bedrock":
		return bedrock.New(ctx, bedrock.Config{
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			SessionToken:    cfg.SessionToken,
			DefaultModel:    cfg.DefaultModel,
		})
	case "venice":
		return venice.NewVeniceProvider(venice.VeniceConfig{
			APIKey:       cfg.APIKey,
			DefaultModel: cfg.DefaultModel,
			BaseURL:      cfg.BaseURL,
		})
	default:
		return nil, fmt.Errorf("agentd: provider %q has unrecognized kind %q", name, cfg.Kind)
	}
}

// buildFailoverProvider constructs every configured provider candidate
// and wraps them in a providers.FailoverProvider ordered by
// cfg.Failover.Chain (falling back to sorted map order when the chain
// is empty).
func buildFailoverProvider(ctx context.Context, cfg *config.Config) (*providers.FailoverProvider, error) {
	order := cfg.Failover.Chain
	if len(order) == 0 {
		for name := range cfg.Providers {
			order = append(order, name)
		}
		sort.Strings(order)
	}

	candidates := make([]providers.Candidate, 0, len(order))
	for _, name := range order {
		pcfg, ok := cfg.Providers[name]
		if !ok {
			return nil, fmt.Errorf("agentd: failover.chain references unconfigured provider %q", name)
		}
		provider, err := buildProvider(ctx, name, pcfg)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, providers.Candidate{Name: name, Provider: provider})
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("agentd: no provider candidates configured")
	}

	defaultModel := cfg.Failover.DefaultModel
	if defaultModel == "" {
		defaultModel = cfg.Agent.DefaultModel
	}

	return providers.NewFailoverProvider(candidates, defaultModel, cfg.Failover.BuildPolicy(), cfg.Failover.BuildBreaker())
}
