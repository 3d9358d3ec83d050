package main

import (
	"fmt"
	"log/slog"

	"reskit/internal/adapter/llm"
	"reskit/internal/domain"
	"reskit/internal/infra/config"
)

// initLLM registers every configured gateway and returns the registry with
// the default gateway resolved.
func initLLM(cfg *config.Config, log *slog.Logger) (*llm.Registry, domain.ModelGateway, error) {
	registry := llm.NewRegistry()

	cbCfg := cfg.LLM.CircuitBreaker
	for _, pc := range cfg.LLM.Providers {
		gw, err := createGateway(pc, log)
		if err != nil {
			return nil, nil, fmt.Errorf("llm provider %s: %w", pc.Name, err)
		}
		if cbCfg.Enabled {
			gw = llm.NewCircuitBreakerGateway(gw, cbCfg, log)
		}
		if err := registry.Register(gw); err != nil {
			return nil, nil, fmt.Errorf("llm provider %s: %w", pc.Name, err)
		}
	}

	if cbCfg.Enabled {
		log.Info("llm circuit breaker enabled",
			"max_failures", cbCfg.MaxFailures,
			"timeout", cbCfg.Timeout,
			"interval", cbCfg.Interval,
		)
	}

	defaultGW, err := registry.Get(cfg.LLM.DefaultProvider)
	if err != nil {
		return nil, nil, fmt.Errorf("default llm provider %q (registered: %s): %w",
			cfg.LLM.DefaultProvider, registryNames(registry), err)
	}
	return registry, defaultGW, nil
}

func createGateway(pc config.ProviderConfig, log *slog.Logger) (domain.ModelGateway, error) {
	switch pc.Type {
	case "openrouter", "":
		return llm.NewOpenRouterProvider(pc, log), nil
	case "openai":
		return llm.NewOpenAIProvider(pc, log), nil
	case "bedrock":
		return createBedrockGateway(pc, log)
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}
