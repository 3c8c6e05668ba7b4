package main

import (
	"strings"

	"github.com/spf13/cobra"
)

// runFlags carries everything the run command collects before handing off
// to the handler.
type runFlags struct {
	configPath    string
	model         string
	instructions  string
	threadID      string
	checkpointDir string
	stream        bool
	parallelTools bool
	asJSON        bool
	maxIterations int
}

func buildRunCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run [input]",
		Short: "Run an agent once and print its output",
		Long: `Run an agent once against the configured backends.

The input is the user message; backends, memory, budget caps, and sandboxing
come from the configuration file. With --stream, tokens print as they arrive.`,
		Example: `  # Ask a local model
  sovereign run --model ollama/llama3.2 "what is a goroutine?"

  # Stream from OpenAI with a config file
  sovereign run --config sovereign.yaml --model openai/gpt-4o --stream "hi"

  # Keep conversation state across invocations
  sovereign run --model ollama/llama3.2 --thread demo "my name is Alex"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), flags, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&flags.model, "model", "m", "", "Model as provider/name, e.g. openai/gpt-4o")
	cmd.Flags().StringVar(&flags.instructions, "instructions", "You are a helpful assistant.", "System instructions")
	cmd.Flags().StringVar(&flags.threadID, "thread", "", "Memory thread to continue")
	cmd.Flags().StringVar(&flags.checkpointDir, "checkpoint-dir", "", "Directory for run checkpoints")
	cmd.Flags().BoolVar(&flags.stream, "stream", false, "Stream tokens as they arrive")
	cmd.Flags().BoolVar(&flags.parallelTools, "parallel-tools", false, "Dispatch one iteration's tool calls concurrently")
	cmd.Flags().BoolVar(&flags.asJSON, "json", false, "Print the full run result as JSON")
	cmd.Flags().IntVar(&flags.maxIterations, "max-iterations", 0, "Override the agent iteration bound")
	_ = cmd.MarkFlagRequired("model")

	return cmd
}

func buildEstimateCmd() *cobra.Command {
	var (
		configPath string
		model      string
	)

	cmd := &cobra.Command{
		Use:   "estimate [input]",
		Short: "Estimate the cost of a run without making it",
		Example: `  sovereign estimate --model openai/gpt-4o "draft a migration plan"
  sovereign estimate --model ollama/llama3.2 "hello"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return estimateRun(configPath, model, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model as provider/name")
	_ = cmd.MarkFlagRequired("model")

	return cmd
}

func buildValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(args[0])
		},
	}
}
