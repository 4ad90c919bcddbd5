package main

import (
	"log"

	"github.com/valora-ai/valora/core/infra/buildinfo"
	"github.com/valora-ai/valora/core/infra/config"
	"github.com/valora-ai/valora/core/orchestrator"
)

func main() {
	log.Println("valora gateway starting...")
	buildinfo.Log("valora-gateway")
	cfg := config.Load()
	if err := orchestrator.Run(cfg, orchestrator.Options{}); err != nil {
		log.Fatalf("gateway error: %v", err)
	}
}
