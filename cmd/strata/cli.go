package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func executeCLI() error {
	root := buildRootCommand(true)
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "strata",
		Short: "Tiered memory engine with decay, shock retention, and token economics",
		Long: strings.TrimSpace(`strata is a memory engine for long-running assistants.

Events land in a fresh buffer, get routed into working, long-term,
procedural, or shock tiers, and age through a phase machine that
compresses and eventually forgets them. Use CLI commands to record and
recall memories, inspect decay state, audit routing decisions, and run
the background sweep daemon.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newDoctorCommand())
	root.AddCommand(newStatsCommand())
	root.AddCommand(newRecordCommand())
	root.AddCommand(newRecallCommand())
	root.AddCommand(newShowCommand())
	root.AddCommand(newWorkingCommand())
	root.AddCommand(newContextCommand())
	root.AddCommand(newDecayCommand())
	root.AddCommand(newSavingsCommand())
	root.AddCommand(newRoutingCommand())
	root.AddCommand(newQuarantineCommand())
	root.AddCommand(newPinCommand())
	root.AddCommand(newUnpinCommand())
	root.AddCommand(newForgetCommand())
	root.AddCommand(newConsoleCommand())
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		docsCmd := newDocsCommand(func() *cobra.Command { return buildRootCommand(false) })
		root.AddCommand(docsCmd)
	}

	return root
}

func newOnboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "onboard",
		Short:   "Initialize ~/.strata config and the data directory",
		Long:    "Create the default configuration file and data directory for a new strata installation.",
		Example: "  strata onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return onboard()
		},
	}
}

func newServeCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the sweep scheduler, ingest adapters, and metrics gateway",
		Long:    "Start the decay scheduler, Discord ingest (when a token is configured), and the HTTP gateway serving health and Prometheus metrics endpoints.",
		Example: "  strata serve --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveCmd(debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration and runtime readiness",
		Example: "  strata status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return statusCmd()
		},
	}
}

func newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "doctor",
		Short:   "Run health checks against config, store, and backends",
		Long:    "Validate the configuration, probe the data directory and memory database, and construct the configured compression backend and scheduler cadence without starting the daemon.",
		Example: "  strata doctor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doctorCmd()
		},
	}
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "stats",
		Short:   "Show tier occupancy and log sizes",
		Example: "  strata stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return statsCmd()
		},
	}
}

func newRecordCommand() *cobra.Command {
	var (
		importance float64
		intensity  float64
		pin        bool
		operator   string
		pattern    string
	)

	cmd := &cobra.Command{
		Use:   "record <content>",
		Short: "Record a memory event",
		Long:  "Stage an event in the fresh buffer, or route it immediately when its salience crosses the shock threshold.",
		Example: strings.Join([]string{
			"  strata record \"the deploy runbook lives in ops/\"",
			"  strata record --importance 0.95 \"prod postgres password rotated today\"",
			"  strata record --pattern deploy/rollback \"rollback: helm rollback api && verify /healthz\"",
		}, "\n"),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if importance < 0 || importance > 1 {
				return fmt.Errorf("--importance must be in [0,1], got %v", importance)
			}
			if intensity < 0 || intensity > 1 {
				return fmt.Errorf("--intensity must be in [0,1], got %v", intensity)
			}
			content := strings.TrimSpace(strings.Join(args, " "))
			if content == "" {
				return fmt.Errorf("content must not be empty")
			}
			return recordCmd(content, importance, intensity, pin, operator, pattern)
		},
	}

	cmd.Flags().Float64VarP(&importance, "importance", "i", 0.5, "Importance score in [0,1]")
	cmd.Flags().Float64Var(&intensity, "intensity", 0, "Emotional intensity in [0,1]")
	cmd.Flags().BoolVar(&pin, "pin", false, "Pin the item against decay")
	cmd.Flags().StringVar(&operator, "as", "cli", "Operator name recorded as the source")
	cmd.Flags().StringVar(&pattern, "pattern", "", "Record as a procedural pattern with this signature")

	return cmd
}

func newRecallCommand() *cobra.Command {
	var topK int

	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Search memories across tiers",
		Long:  "Run hybrid retrieval (vector similarity, lexical match, recency) over every tier except quarantined entries.",
		Example: strings.Join([]string{
			"  strata recall \"deploy runbook\"",
			"  strata recall --top 10 \"postgres\"",
		}, "\n"),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if topK < 1 {
				return fmt.Errorf("--top must be positive, got %d", topK)
			}
			return recallCmd(strings.Join(args, " "), topK)
		},
	}

	cmd.Flags().IntVarP(&topK, "top", "k", 5, "Number of results to return")
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "show <id>",
		Short:   "Print one memory item in full",
		Args:    cobra.ExactArgs(1),
		Example: "  strata show mem-7d9c6e1a...",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showCmd(args[0])
		},
	}
}

func newWorkingCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "working",
		Short:   "List the bounded working-memory slots",
		Example: "  strata working",
		RunE: func(cmd *cobra.Command, args []string) error {
			return workingCmd()
		},
	}
}

func newContextCommand() *cobra.Command {
	var maxTokens int

	cmd := &cobra.Command{
		Use:     "context <query>",
		Short:   "Assemble a token-budgeted context pack",
		Long:    "Build the prompt block an assistant would receive: shock entries first, then working memory, then recalled items, trimmed to the token budget.",
		Example: "  strata context --max-tokens 4096 \"what do I know about the payments service\"",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxTokens < 1 {
				return fmt.Errorf("--max-tokens must be positive, got %d", maxTokens)
			}
			return contextCmd(strings.Join(args, " "), maxTokens)
		},
	}

	cmd.Flags().IntVar(&maxTokens, "max-tokens", 8192, "Token budget for the pack")
	return cmd
}

func newDecayCommand() *cobra.Command {
	decayRoot := &cobra.Command{
		Use:   "decay",
		Short: "Inspect and trigger the phase machine",
		Long:  "Show per-phase occupancy and due counts, or run a sweep outside the scheduler cadence.",
	}

	var statusTier string
	status := &cobra.Command{
		Use:   "status",
		Short: "Show phase counts and due items per tier",
		Example: strings.Join([]string{
			"  strata decay status",
			"  strata decay status --tier procedural",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch statusTier {
			case "", "long_term", "procedural":
			default:
				return fmt.Errorf("--tier must be long_term or procedural, got %q", statusTier)
			}
			return decayStatusCmd(statusTier)
		},
	}
	status.Flags().StringVarP(&statusTier, "tier", "t", "", "Limit to one tier (long_term or procedural)")
	decayRoot.AddCommand(status)

	var runTier string
	run := &cobra.Command{
		Use:   "run",
		Short: "Run a decay sweep now",
		Example: strings.Join([]string{
			"  strata decay run",
			"  strata decay run --tier fresh",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch runTier {
			case "", "fresh", "long_term", "procedural":
			default:
				return fmt.Errorf("--tier must be fresh, long_term, or procedural, got %q", runTier)
			}
			return decayRunCmd(runTier)
		},
	}
	run.Flags().StringVarP(&runTier, "tier", "t", "", "Sweep one tier instead of all (fresh, long_term, or procedural)")
	decayRoot.AddCommand(run)

	return decayRoot
}

func newSavingsCommand() *cobra.Command {
	var (
		since time.Duration
		all   bool
	)

	cmd := &cobra.Command{
		Use:   "savings",
		Short: "Show token savings from compression",
		Long:  "Aggregate the economics log: raw versus compressed token estimates and the net savings over a window.",
		Example: strings.Join([]string{
			"  strata savings",
			"  strata savings --since 168h",
			"  strata savings --all",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && since <= 0 {
				return fmt.Errorf("--since must be positive, got %v", since)
			}
			return savingsCmd(since, all)
		},
	}

	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "Window to aggregate over")
	cmd.Flags().BoolVar(&all, "all", false, "Aggregate over the full log instead of a window")
	return cmd
}

func newRoutingCommand() *cobra.Command {
	var (
		reason string
		since  time.Duration
		filter string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "routing",
		Short: "Query the append-only routing log",
		Long:  "List tier-routing decisions with their reason codes. The --filter flag takes a CEL expression over the decision fields (event_id, tier, reason, decided_at).",
		Example: strings.Join([]string{
			"  strata routing --since 1h",
			"  strata routing --reason shock_committed",
			"  strata routing --filter 'tier == \"working\" && reason.startsWith(\"working\")'",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			return routingCmd(reason, since, filter, limit)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Only decisions with this reason code")
	cmd.Flags().DurationVar(&since, "since", 0, "Only decisions newer than this (0 means no bound)")
	cmd.Flags().StringVar(&filter, "filter", "", "CEL expression filtering decisions")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows to return")
	return cmd
}

func newQuarantineCommand() *cobra.Command {
	quarantineRoot := &cobra.Command{
		Use:   "quarantine",
		Short: "Inspect quarantined entries",
		Long:  "Entries that failed integrity checks are excluded from retrieval and sweeps but kept for review.",
	}

	var limit int
	list := &cobra.Command{
		Use:     "list",
		Short:   "List quarantined entries",
		Example: "  strata quarantine list",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			return quarantineListCmd(limit)
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum rows to return")
	quarantineRoot.AddCommand(list)

	return quarantineRoot
}

func newPinCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "pin <id>",
		Short:   "Pin an item against decay and eviction",
		Args:    cobra.ExactArgs(1),
		Example: "  strata pin mem-7d9c6e1a...",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setPinnedCmd(args[0], true)
		},
	}
}

func newUnpinCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "unpin <id>",
		Short:   "Release a pinned item back to normal decay",
		Args:    cobra.ExactArgs(1),
		Example: "  strata unpin mem-7d9c6e1a...",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setPinnedCmd(args[0], false)
		},
	}
}

func newForgetCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "forget <id>",
		Short:   "Delete a shock entry by explicit request",
		Long:    "Shock entries never decay on their own. This is the only path that removes one.",
		Args:    cobra.ExactArgs(1),
		Example: "  strata forget mem-7d9c6e1a...",
		RunE: func(cmd *cobra.Command, args []string) error {
			return forgetCmd(args[0])
		},
	}
}

func newConsoleCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "console",
		Short:   "Open an interactive memory console",
		Long:    "Run record, recall, and maintenance commands against the local store in a single session.",
		Example: "  strata console",
		RunE: func(cmd *cobra.Command, args []string) error {
			return consoleCmd()
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  strata version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}
