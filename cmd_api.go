package main

import (
	"log"
)

func runAPI() {
	ctx, stop := signalContext()
	defer stop()

	a, appLog := bootstrap(ctx)
	defer a.Close()
	defer func() { _ = appLog.Sync() }()

	if err := a.RunAPI(ctx); err != nil {
		log.Fatalf("Admin API stopped with error: %v", err)
	}
}
