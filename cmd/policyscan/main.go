package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	policyscan "github.com/Schravenralph/PolicyScan-sub014"
	"github.com/Schravenralph/PolicyScan-sub014/config"
	"github.com/Schravenralph/PolicyScan-sub014/pool"
	"github.com/Schravenralph/PolicyScan-sub014/review"
	"github.com/Schravenralph/PolicyScan-sub014/schedule"
	"github.com/Schravenralph/PolicyScan-sub014/session"
	"github.com/Schravenralph/PolicyScan-sub014/store"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "policyscan",
		Short: "Policy document workflow orchestration",
		Long:  "Policyscan runs document discovery workflows with human review points, collaborative decisions and timeout-driven resolution.",
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newReviewCommand())
	rootCmd.AddCommand(newSessionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app is the wired process: stores, scheduler, engine.
type app struct {
	cfg      *config.Config
	engine   *policyscan.Engine
	reviews  review.Store
	sessions session.Store
	runs     policyscan.RunStore
	sched    *schedule.Scheduler
	close    func()
}

func setup(workflowFile string) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	runs, db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", cfg.DBPath, err)
	}
	reviews, err := review.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	sessions, err := session.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	notifier := policyscan.NewLogNotifier(logger)
	sched := schedule.New(runs, notifier, logger)
	engine := policyscan.NewEngine(runs, reviews, sched, notifier, nil, logger)
	sched.SetResolver(engine)

	scrapePool := pool.New(pool.Config{
		MaxConcurrency:     cfg.PoolMaxConcurrency,
		TaskTimeout:        cfg.PoolTaskTimeout,
		DomainRatePerSec:   cfg.DomainRatePerSec,
		MemoryCeilingBytes: cfg.MemoryCeilingBytes,
	}, logger)
	if err := engine.RegisterAction(policyscan.ActionScrapeWebsites, policyscan.ScrapeAction(scrapePool, fetchStub(logger), nil)); err != nil {
		db.Close()
		return nil, err
	}

	if workflowFile != "" {
		workflows, err := policyscan.LoadWorkflowFile(workflowFile)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("loading workflows: %w", err)
		}
		for _, wf := range workflows {
			if err := engine.RegisterWorkflow(wf); err != nil {
				db.Close()
				return nil, err
			}
		}
	}

	// Timers are in-process: rebuild pending review timeouts from the
	// persisted paused runs.
	if err := sched.RearmPaused(context.Background()); err != nil {
		logger.Warn("could not re-arm paused run timeouts", "error", err)
	}

	return &app{
		cfg:      cfg,
		engine:   engine,
		reviews:  reviews,
		sessions: sessions,
		runs:     runs,
		sched:    sched,
		close: func() {
			sched.Stop()
			db.Close()
		},
	}, nil
}

// fetchStub stands in for the retrieval connectors, which live outside this
// module. It records the visit and finds nothing.
func fetchStub(logger *slog.Logger) pool.TaskFunc {
	return func(ctx context.Context, websiteURL string) (int, error) {
		logger.Info("no retrieval connector wired, skipping", "url", websiteURL)
		return 0, nil
	}
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "run", Short: "Manage workflow runs"}

	var workflowFile, queryID, creatorID string
	var params []string
	start := &cobra.Command{
		Use:   "start <workflow-id>",
		Short: "Start a workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(workflowFile)
			if err != nil {
				return err
			}
			defer a.close()
			run, err := a.engine.Start(cmd.Context(), args[0], policyscan.StartOptions{
				QueryID:   queryID,
				CreatorID: creatorID,
				Params:    parseParams(params),
			})
			if err != nil {
				return err
			}
			return printJSON(run)
		},
	}
	start.Flags().StringVarP(&workflowFile, "workflows", "w", "workflows.yaml", "workflow definition file")
	start.Flags().StringVar(&queryID, "query", "", "query id (run exclusivity key)")
	start.Flags().StringVar(&creatorID, "creator", "", "creator user id")
	start.Flags().StringArrayVar(&params, "param", nil, "run parameter key=value (repeatable)")

	var resumeFile string
	var completeReview bool
	resume := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a paused run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(resumeFile)
			if err != nil {
				return err
			}
			defer a.close()
			run, err := a.engine.Resume(cmd.Context(), args[0], policyscan.ResumeOptions{
				CompleteReview: completeReview,
				ResumedBy:      "cli",
			})
			if err != nil {
				return err
			}
			return printJSON(run)
		},
	}
	resume.Flags().StringVarP(&resumeFile, "workflows", "w", "workflows.yaml", "workflow definition file")
	resume.Flags().BoolVar(&completeReview, "complete-review", true, "mark the pending review completed")

	cancel := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup("")
			if err != nil {
				return err
			}
			defer a.close()
			run, err := a.engine.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(run)
		},
	}

	status := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup("")
			if err != nil {
				return err
			}
			defer a.close()
			run, err := a.runs.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(run)
		},
	}

	logs := &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Show a run's audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup("")
			if err != nil {
				return err
			}
			defer a.close()
			entries, err := a.runs.Logs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}

	cmd.AddCommand(start, resume, cancel, status, logs)
	return cmd
}

func newReviewCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "review", Short: "Inspect and decide reviews"}

	var createWorkflowID, createStrategy string
	var createRequired int
	var createCandidates []string
	create := &cobra.Command{
		Use:   "create <run-id> <step-id>",
		Short: "Create a review outside the engine's review points",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			candidates := make([]policyscan.Candidate, 0, len(createCandidates))
			for _, c := range createCandidates {
				id, title, _ := strings.Cut(c, "=")
				candidates = append(candidates, policyscan.Candidate{ID: id, Title: title})
			}
			a, err := setup("")
			if err != nil {
				return err
			}
			defer a.close()
			reviewID, err := a.reviews.CreateReview(cmd.Context(), policyscan.NewReview{
				RunID:             args[0],
				WorkflowID:        createWorkflowID,
				StepID:            args[1],
				Strategy:          createStrategy,
				RequiredReviewers: createRequired,
				Candidates:        candidates,
			})
			if err != nil {
				return err
			}
			rev, err := a.reviews.Get(cmd.Context(), reviewID)
			if err != nil {
				return err
			}
			return printJSON(rev)
		},
	}
	create.Flags().StringVar(&createWorkflowID, "workflow", "", "workflow id")
	create.Flags().StringVar(&createStrategy, "strategy", "single-reviewer", "aggregation strategy")
	create.Flags().IntVar(&createRequired, "required-reviewers", 0, "quorum for consensus")
	create.Flags().StringArrayVar(&createCandidates, "candidate", nil, "candidate id=title (repeatable)")

	show := &cobra.Command{
		Use:   "show <review-id>",
		Short: "Show a review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup("")
			if err != nil {
				return err
			}
			defer a.close()
			rev, err := a.reviews.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(rev)
		},
	}

	var reviewer string
	decide := &cobra.Command{
		Use:   "decide <review-id> <candidate-id> <accepted|rejected|pending>",
		Short: "Record one reviewer decision",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup("")
			if err != nil {
				return err
			}
			defer a.close()
			rev, err := a.reviews.AddDecision(cmd.Context(), args[0], args[1], reviewer, review.Status(args[2]))
			if err != nil {
				return err
			}
			return printJSON(rev)
		},
	}
	decide.Flags().StringVar(&reviewer, "reviewer", "", "reviewer user id")
	decide.MarkFlagRequired("reviewer")

	var batchReviewer string
	var decisions []string
	decideBatch := &cobra.Command{
		Use:   "decide-batch <review-id>",
		Short: "Record several decisions for one reviewer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs := make([]review.DecisionInput, 0, len(decisions))
			for _, d := range decisions {
				candidateID, status, ok := strings.Cut(d, "=")
				if !ok {
					return fmt.Errorf("invalid --decision %q, want candidate-id=status", d)
				}
				inputs = append(inputs, review.DecisionInput{CandidateID: candidateID, Status: review.Status(status)})
			}
			a, err := setup("")
			if err != nil {
				return err
			}
			defer a.close()
			rev, err := a.reviews.AddDecisions(cmd.Context(), args[0], batchReviewer, inputs)
			if err != nil {
				return err
			}
			return printJSON(rev)
		},
	}
	decideBatch.Flags().StringVar(&batchReviewer, "reviewer", "", "reviewer user id")
	decideBatch.Flags().StringArrayVar(&decisions, "decision", nil, "candidate-id=status (repeatable)")
	decideBatch.MarkFlagRequired("reviewer")

	complete := &cobra.Command{
		Use:   "complete <review-id>",
		Short: "Mark a review completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup("")
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.reviews.Complete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("review completed")
			return nil
		},
	}

	cmd.AddCommand(create, show, decide, decideBatch, complete)
	return cmd
}

func newSessionCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Manage wizard sessions"}

	var startStep string
	create := &cobra.Command{
		Use:   "new",
		Short: "Create a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup("")
			if err != nil {
				return err
			}
			defer a.close()
			sess, err := a.sessions.Create(cmd.Context(), startStep, nil)
			if err != nil {
				return err
			}
			return printJSON(sess)
		},
	}
	create.Flags().StringVar(&startStep, "step", "", "initial step id")

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup("")
			if err != nil {
				return err
			}
			defer a.close()
			sess, err := a.sessions.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(sess)
		},
	}

	var step string
	var completed []string
	var revision int64
	update := &cobra.Command{
		Use:   "update <session-id>",
		Short: "Update a session with optimistic locking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := session.UpdateInput{CompletedSteps: completed}
			if cmd.Flags().Changed("step") {
				input.CurrentStepID = &step
			}
			if cmd.Flags().Changed("revision") {
				input.ExpectedRevision = &revision
			}
			a, err := setup("")
			if err != nil {
				return err
			}
			defer a.close()
			sess, err := a.sessions.Update(cmd.Context(), args[0], input)
			if err != nil {
				var conflict *policyscan.ConflictError
				if errors.As(err, &conflict) {
					// Clients retry from these values; print them verbatim.
					fmt.Fprintf(os.Stderr, "conflict: expected revision %d, actual revision %d\n", conflict.Expected, conflict.Actual)
				}
				return err
			}
			return printJSON(sess)
		},
	}
	update.Flags().StringVar(&step, "step", "", "new current step id")
	update.Flags().StringArrayVar(&completed, "completed", nil, "completed step ids")
	update.Flags().Int64Var(&revision, "revision", 0, "expected revision")

	cmd.AddCommand(create, show, update)
	return cmd
}

func parseParams(kvs []string) map[string]any {
	if len(kvs) == 0 {
		return nil
	}
	out := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			out[kv] = ""
			continue
		}
		out[k] = v
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
