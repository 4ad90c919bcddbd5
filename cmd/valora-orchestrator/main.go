package main

import (
	"log"

	"github.com/valora-ai/valora/core/infra/buildinfo"
	"github.com/valora-ai/valora/core/infra/config"
	"github.com/valora-ai/valora/core/orchestrator"
)

func main() {
	log.Println("valora orchestrator starting...")
	buildinfo.Log("valora-orchestrator")
	cfg := config.Load()
	if err := orchestrator.Run(cfg, orchestrator.Options{Resume: true}); err != nil {
		log.Fatalf("orchestrator error: %v", err)
	}
}
