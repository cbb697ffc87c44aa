package main

import (
	"context"
	"log"

	"github.com/mkoval/authlink/internal/agent"
	"github.com/mkoval/authlink/internal/config"
	"github.com/mkoval/authlink/internal/logging"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	logger := logging.NewDefault("agent")

	app, err := agent.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Printf("%v", err)
		return
	}

	if err := app.Run(ctx); err != nil {
		log.Printf("%v", err)
	}
}
