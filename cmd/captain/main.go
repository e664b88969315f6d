package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/zen-systems/captain/pkg/attest"
	"github.com/zen-systems/captain/pkg/config"
	"github.com/zen-systems/captain/pkg/gate"
	"github.com/zen-systems/captain/pkg/hat"
	"github.com/zen-systems/captain/pkg/health"
	"github.com/zen-systems/captain/pkg/human"
	"github.com/zen-systems/captain/pkg/orchestrator"
	"github.com/zen-systems/captain/pkg/safety"
	"github.com/zen-systems/captain/pkg/status"
	"github.com/zen-systems/captain/pkg/task"
	"github.com/zen-systems/captain/pkg/triage"
)

var (
	workspaceFlag string
	verboseFlag   bool

	passStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	failStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	hintStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "captain",
		Short: "Risk-gated autonomous development orchestrator",
		Long: `Captain drives one development task at a time through triage, planning,
	execution and verification, checkpointing the workspace before every step.

	Unrecoverable failures are written to RECOVERY_QUEUE.md and halt the loop
	until a human clears it.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&workspaceFlag, "workspace", "w", "", "workspace root (defaults to the current directory)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(matrixCmd())
	rootCmd.AddCommand(triageCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(verifyCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verboseFlag {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(workspaceFlag)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func startCmd() *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "start [task]",
		Short: "Run one task to completion",
		Long: `Runs the task through the loop in the foreground. Human decisions are
	prompted on the terminal, or accepted over NATS when nats.url is configured.

	Refuses to start while RECOVERY_QUEUE.md holds a failure record.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger()
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			if rt.loop.State() == orchestrator.StateHalted {
				printRecovery(rt.safety)
				return orchestrator.ErrHalted
			}

			human.NewTerminalResponder(os.Stdin, os.Stderr, 0, logger).Attach(rt.bridge)

			res, err := rt.loop.RunTask(ctx, task.New(strings.Join(args, " "), description))
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			fmt.Fprintf(os.Stderr, "Task %s: %s after %d iteration(s), %d block(s), $%.4f\n",
				res.TaskID, res.Outcome, res.Iterations, res.Blocks, res.CostUSD)
			if res.Reason != "" {
				fmt.Fprintf(os.Stderr, "Reason: %s\n", res.Reason)
			}
			if res.EvidenceDir != "" {
				fmt.Fprintf(os.Stderr, "Evidence: %s\n", res.EvidenceDir)
			}
			if rt.loop.State() == orchestrator.StateHalted {
				printRecovery(rt.safety)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "longer task description")
	return cmd
}

func printRecovery(mw *safety.Middleware) {
	fmt.Fprintln(os.Stderr, failStyle.Render("RECOVERY REQUIRED"))
	rec, ok, err := mw.Record()
	switch {
	case err != nil:
		fmt.Fprintf(os.Stderr, "  %v\n", err)
	case ok:
		fmt.Fprintf(os.Stderr, "  Task:     %s %s\n", rec.TaskID, rec.Title)
		fmt.Fprintf(os.Stderr, "  Reason:   %s\n", rec.FailureReason)
		fmt.Fprintf(os.Stderr, "  Rollback: %s\n", rec.RollbackInstruction)
	}
	fmt.Fprintln(os.Stderr, hintStyle.Render("  Resolve the failure, then run `captain recover --confirm`."))
}

func healthCmd() *cobra.Command {
	var jsonFlag bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Run read-only workspace diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			report := health.Run(cmd.Context(), cfg, health.Defaults(cfg))

			if jsonFlag {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				for _, res := range report {
					mark := passStyle.Render("PASS")
					if !res.Passed {
						mark = failStyle.Render("FAIL")
					}
					fmt.Printf("%s  %-22s %s\n", mark, res.Name, res.Message)
				}
				if failures := report.Failures(); len(failures) > 0 {
					fmt.Println()
					for _, f := range failures {
						if f.Remediation != "" {
							fmt.Println(hintStyle.Render(fmt.Sprintf("%s: %s", f.Name, f.Remediation)))
						}
					}
				}
			}

			if !report.Healthy() {
				return fmt.Errorf("%d check(s) failed", len(report.Failures()))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonFlag, "json", false, "print the report as JSON")
	return cmd
}

func statusCmd() *cobra.Command {
	var jsonFlag bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the last status mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := status.Read(cfg.Workspace)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					fmt.Println("No status yet: the loop has not run in this workspace.")
					return nil
				}
				return err
			}
			if jsonFlag {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			}
			fmt.Print(status.Markdown(s))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonFlag, "json", false, "print the JSON mirror")
	return cmd
}

func recoverCmd() *cobra.Command {
	var confirmFlag bool
	var restoreFlag string

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Inspect or clear the recovery record",
		Long: `Without flags, prints the recovery record.

	--restore rolls the workspace back to a checkpoint first. --confirm clears
	RECOVERY_QUEUE.md so the loop can resume.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger()
			mw, err := openSafety(cfg, logger)
			if err != nil {
				return err
			}

			if !mw.IsBlocked() {
				fmt.Println("Recovery queue is clear.")
				return nil
			}
			if restoreFlag == "" && !confirmFlag {
				printRecovery(mw)
				return nil
			}

			if restoreFlag != "" {
				if err := mw.Restore(cmd.Context(), restoreFlag); err != nil {
					return fmt.Errorf("restore %s: %w", restoreFlag, err)
				}
				fmt.Printf("Workspace restored to checkpoint %s.\n", restoreFlag)
			}
			if !confirmFlag {
				fmt.Println("Run again with --confirm to clear the recovery record.")
				return nil
			}

			rec, _, _ := mw.Record()
			if err := mw.Clear(); err != nil {
				return err
			}
			recorder, err := openRecorder(cfg, logger)
			if err != nil {
				return err
			}
			defer recorder.Close()
			recorder.Resumed(cmd.Context(), rec.TaskID)
			fmt.Println("Recovery record cleared.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&confirmFlag, "confirm", false, "clear the recovery record")
	cmd.Flags().StringVar(&restoreFlag, "restore", "", "checkpoint id to restore before clearing")
	return cmd
}

func matrixCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "matrix [task text]",
		Short: "Show the risk matrix, or the strategy it picks for a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			m, err := loadMatrix(cfg)
			if err != nil {
				return err
			}

			if len(args) > 0 {
				text := strings.Join(args, " ")
				scope, complexity := m.ScopeFor(text)
				s := m.Resolve(text)
				fmt.Printf("Scope:      %s\nComplexity: %s\nStrategy:   %s\n", scope, complexity, s.Summary())
				if s.Reason != "" {
					fmt.Printf("Reason:     %s\n", s.Reason)
				}
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIER\tCOVERAGE\tCATEGORIES\tHARD GATES")
			for _, tier := range []gate.Tier{gate.Tier1, gate.Tier2, gate.Tier3} {
				s := m.ForTier(tier, "")
				fmt.Fprintf(w, "%s\t%v%%\t%s\t%s\n", tier, s.CoverageThreshold,
					strings.Join(s.RequiredCategories, ", "), strings.Join(s.HardGates, ", "))
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "SCOPE\tTIER\tKEYWORDS")
			for _, r := range m.Rules {
				fmt.Fprintf(w, "%s\t%s\t%s\n", r.Scope, r.Tier, strings.Join(r.Keywords, ", "))
			}
			fmt.Fprintf(w, "(default)\t%s\t-\n", m.DefaultTier)
			return w.Flush()
		},
	}
}

func triageCmd() *cobra.Command {
	var llmFlag bool

	cmd := &cobra.Command{
		Use:   "triage [task text]",
		Short: "Classify a task without running it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			intent := task.New(strings.Join(args, " "), "")

			var d triage.Decision
			if llmFlag {
				hats, err := buildHats(cmd.Context(), cfg, newLogger())
				if err != nil {
					return err
				}
				h, err := hats.Get(hat.KindTriage)
				if err != nil {
					return err
				}
				out, err := h.Handle(cmd.Context(), hat.StepContext{Task: intent, Iteration: 1, Workspace: cfg.Workspace})
				if err != nil {
					return err
				}
				if out.Routing == nil {
					return fmt.Errorf("triage hat returned no routing decision")
				}
				d = *out.Routing
			} else {
				d = triage.ApplyPolicy(triage.HeuristicDecision(intent.Text(), cfg.Triage), cfg.Triage.ConfidenceThreshold)
			}

			fmt.Printf("Mode:       %s\nConfidence: %.2f\nReason:     %s\n", d.Mode, d.Confidence, d.Reason)
			if d.Forced {
				fmt.Printf("Forced:     classifier said %s below the %.2f threshold\n", d.RawMode, cfg.Triage.ConfidenceThreshold)
			}
			if d.UsedLLM {
				fmt.Printf("Classifier: %s/%s\n", d.ClassifierAdapter, d.ClassifierModel)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&llmFlag, "llm", false, "allow the configured LLM tie-breaker")
	return cmd
}

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openArchive(cfg)
			if err != nil {
				return err
			}
			entries, err := store.Entries()
			if err != nil {
				return err
			}
			if limit > 0 && len(entries) > limit {
				entries = entries[len(entries)-limit:]
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FINISHED\tTASK\tOUTCOME\tITER\tBLOCKS\tCOST\tTITLE")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t$%.4f\t%s\n",
					e.FinishedAt.Local().Format("2006-01-02 15:04"), e.TaskID, e.Outcome,
					e.Iterations, e.Blocks, e.CostUSD, e.Title)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of most recent tasks to show (0 for all)")
	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [task-id]",
		Short: "Check a finished task's evidence against its archived attestation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openArchive(cfg)
			if err != nil {
				return err
			}
			entry, ok, err := store.Find(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("task %s not found in history", args[0])
			}
			if entry.Attestation == nil {
				return fmt.Errorf("task %s has no attestation", args[0])
			}

			var att attest.Attestation
			if err := store.Load(*entry.Attestation, &att); err != nil {
				return err
			}
			if err := attest.Verify(&att, entry.EvidenceDir); err != nil {
				fmt.Println(failStyle.Render("Evidence does not match attestation: " + err.Error()))
				return err
			}
			fmt.Println(passStyle.Render(fmt.Sprintf("Evidence verified: %s (%s, %d file(s))", entry.TaskID, att.Claim.Outcome, len(att.Hashes))))
			return nil
		},
	}
}
