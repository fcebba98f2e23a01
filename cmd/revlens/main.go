// Package main provides the revlens CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/revlens/revlens/cli"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	provider string
	dbPath   string
	fixtures string
	verbose  bool
)

func globalOptions() cli.Options {
	opts := cli.DefaultOptions()
	opts.Provider = provider
	opts.Fixtures = fixtures
	opts.Verbose = verbose
	if dbPath != "" {
		opts.DBPath = dbPath
	}
	return opts
}

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	rootCmd := &cobra.Command{
		Use:   "revlens",
		Short: "Skill runtime for revenue-operations analysis",
		Long: `Execute declarative analysis skills against tenant CRM data.

Skills are pipelines of three step tiers:
- compute: deterministic in-process aggregation
- classify: cheap LLM classification over bounded item lists
- reason: LLM reasoning with budgeted tool access`,
	}

	rootCmd.PersistentFlags().StringVarP(&provider, "provider", "p", "anthropic", "LLM provider (openai, anthropic, gemini)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Run record database path")
	rootCmd.PersistentFlags().StringVar(&fixtures, "fixtures", "", "Tool directory fixture file (JSON)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show verbose output")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(skillsCmd())
	rootCmd.AddCommand(toolsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var tenantID string
	var workspacePath string
	var async bool

	cmd := &cobra.Command{
		Use:   "run [skill]",
		Short: "Execute a skill for a tenant",
		Long: `Execute a registered skill pipeline for a tenant.

Workspace context is loaded from a JSON file mapping context keys to
values; steps reference them with the "workspace." prefix.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.RunSkill(context.Background(), args[0], tenantID, workspacePath, async, globalOptions())
		},
	}

	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "Tenant identifier (required)")
	cmd.Flags().StringVarP(&workspacePath, "workspace", "w", "", "Workspace context file (JSON)")
	cmd.Flags().BoolVar(&async, "async", false, "Return the run ID immediately and execute in the background")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func runsCmd() *cobra.Command {
	var tenantID string
	var skillID string
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List run records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.ListRuns(context.Background(), tenantID, skillID, status, limit, globalOptions())
		},
	}

	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "Filter by tenant")
	cmd.Flags().StringVarP(&skillID, "skill", "s", "", "Filter by skill")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (running, completed, partial, failed, cancelled)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to list")

	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [run-id]",
		Short: "Show a run record with step results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.ShowRun(context.Background(), args[0], globalOptions())
		},
	}
}

func skillsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "skills",
		Short: "List registered skills",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.ListSkills(globalOptions())
		},
	}
}

func toolsCmd() *cobra.Command {
	var verboseTools bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List available analysis tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.ListTools(verboseTools, globalOptions())
		},
	}

	cmd.Flags().BoolVarP(&verboseTools, "verbose", "V", false, "Show tool schemas")

	return cmd
}
