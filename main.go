// Package main is the entry point for the marketplace monitor.
package main

import (
	"log"
	"os"
)

var (
	// version can be set at build time via -ldflags
	version = "dev"
)

func main() {
	// Default to running the monitor and the admin API together
	command := "both"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "both", "all":
		runBoth()
	case "monitor":
		runMonitor()
	case "api":
		runAPI()
	case "version":
		log.Printf("marktmonitor version %s\n", version)
		os.Exit(0)
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	default:
		log.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	log.Println("marktmonitor - 2dehands.be listing monitor")
	log.Println()
	log.Println("Usage:")
	log.Println("  marktmonitor [command]")
	log.Println()
	log.Println("Commands:")
	log.Println("  both       Run the polling monitor and the admin API (default)")
	log.Println("  monitor    Run the polling monitor only")
	log.Println("  api        Run the admin API only")
	log.Println("  version    Print the version")
	log.Println("  help       Show this help")
	log.Println()
	log.Println("Configuration is read from config.yml, .env, and the environment.")
}
