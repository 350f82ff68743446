package main

import (
	"fmt"
	"log"

	"github.com/fluxproxy/fluxproxy/internal/server"
	"github.com/spf13/cobra"
)

var rootCmd *cobra.Command

func init() {
	rootCmd = &cobra.Command{
		Use:   "fluxproxy",
		Short: "Caching, logging reverse proxy for a local LLM server",
		Long: `FluxProxy sits between clients and a local Ollama-compatible server.
It streams responses through unchanged while logging every interaction,
caches responses for byte-identical requests, and serves a live dashboard.`,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("fluxproxy v" + server.Version)
		},
	}

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
