//go:build bedrock

package main

import (
	"log/slog"

	"reskit/internal/adapter/llm"
	"reskit/internal/domain"
	"reskit/internal/infra/config"
)

func createBedrockGateway(pc config.ProviderConfig, log *slog.Logger) (domain.ModelGateway, error) {
	p, err := llm.NewBedrockProvider(pc, log)
	if err != nil {
		return nil, err
	}
	return p, nil
}
