package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "aigateway",
	Short: "LumenClass AI Gateway",
	Long:  "The LumenClass AI gateway sits between the education platform and upstream AI providers, handling authentication, quota enforcement, PII redaction, model selection, tool execution, provider fallback, and usage accounting.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: configs/aigateway.yaml)")
}

func main() {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
