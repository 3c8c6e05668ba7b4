// Package main provides the CLI entry point for the sovereign agent runtime.
//
// Sovereign runs tool-calling agents against local or remote LLM backends
// (Ollama, OpenAI, OpenRouter, Anthropic, Google Gemini) with guardrails,
// cost routing, conversation memory, and checkpointed replay.
//
// # Basic Usage
//
// Run an agent once:
//
//	sovereign run --model ollama/llama3.2 "summarize this repo"
//
// Estimate the cost of a run before making it:
//
//	sovereign estimate --model openai/gpt-4o "draft a migration plan"
//
// Validate a configuration file:
//
//	sovereign validate sovereign.yaml
//
// # Environment Variables
//
// Configuration files are environment-expanded on load, so API keys are
// typically referenced as ${OPENAI_API_KEY} or ${ANTHROPIC_API_KEY}.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "sovereign",
		Short:         "Run tool-calling agents against local or remote LLM backends",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		buildRunCmd(),
		buildEstimateCmd(),
		buildValidateCmd(),
		buildVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sovereign %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
