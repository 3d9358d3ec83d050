package main

import (
	"fmt"
	"log/slog"

	"reskit/internal/adapter/arxiv"
	"reskit/internal/adapter/llm"
	"reskit/internal/adapter/tool"
	"reskit/internal/domain"
	"reskit/internal/infra/config"
)

func initPapers(cfg config.ArxivConfig, log *slog.Logger) *arxiv.Client {
	return arxiv.New(cfg, nil, log)
}

// initTools registers the research tools. messages may be nil, in which case
// send_paper_card is left out since it has no chat to write cards to.
func initTools(
	cfg *config.Config,
	gateways *llm.Registry,
	papers domain.PaperSource,
	messages domain.MessageStore,
	bus domain.EventBus,
	log *slog.Logger,
) (*tool.Registry, error) {
	registry := tool.NewRegistry(log, tool.WithRatePerMinute(cfg.Tools.RatePerMinute))

	providerName := cfg.Tools.RelationsProvider
	if providerName == "" {
		providerName = cfg.LLM.DefaultProvider
	}
	relationsGW, err := gateways.Get(providerName)
	if err != nil {
		return nil, fmt.Errorf("relations provider %q: %w", providerName, err)
	}
	relations, err := tool.NewRelationsTool(relationsGW, tool.RelationsConfig{
		Model:   cfg.Tools.RelationsModel,
		Timeout: cfg.Agent.ToolTimeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("relations tool: %w", err)
	}

	tools := []domain.Tool{
		tool.NewSearchArxivTool(papers, log),
		tool.NewReadFromArxivTool(papers, log),
		relations,
	}
	if messages != nil {
		tools = append(tools, tool.NewPaperCardTool(papers, messages, bus, log))
	}
	for _, t := range tools {
		if err := registry.Register(t); err != nil {
			return nil, fmt.Errorf("register tool: %w", err)
		}
	}
	return registry, nil
}
