//go:build !bedrock

package main

import (
	"fmt"
	"log/slog"

	"reskit/internal/domain"
	"reskit/internal/infra/config"
)

func createBedrockGateway(_ config.ProviderConfig, _ *slog.Logger) (domain.ModelGateway, error) {
	return nil, fmt.Errorf("bedrock provider requires build with -tags bedrock")
}
