package main

import (
	"popup-policy-engine/internal/app/server"
	"popup-policy-engine/internal/config"
)

func main() {
	cfg := config.Load()
	config.SetupLogging(cfg.Server.LogLevel)
	server.Run(cfg)
}
