package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fiscalstamp/platform/pkg/common/config"
	"github.com/fiscalstamp/platform/pkg/common/models"
	"github.com/fiscalstamp/platform/pkg/submission"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

type app struct {
	cfg          *config.Config
	openDB       func(cfg *config.Config) (*gorm.DB, func() error, error)
	newPublisher func(cfg *config.Config) (submission.JobPublisher, func() error)
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "stampctl",
		Short:         "Operate the fiscal stamping coordination store",
		SilenceUsage: true,
	}

	root.AddCommand(a.migrateCommand())
	root.AddCommand(a.statusCommand())
	root.AddCommand(a.enqueueCommand())
	root.AddCommand(a.cancelCommand())
	root.AddCommand(a.reapCommand())
	return root
}

func (a *app) migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the document and attempt tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withService(func(repo *submission.Repository, _ *submission.Service) error {
				if err := repo.AutoMigrate(); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrated")
				return nil
			})
		},
	}
}

func (a *app) statusCommand() *cobra.Command {
	var attempts int
	cmd := &cobra.Command{
		Use:   "status <document-id>",
		Short: "Show a document's state, lock and recent attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid document id %q: %w", args[0], err)
			}
			return a.withService(func(_ *submission.Repository, svc *submission.Service) error {
				view, err := svc.GetView(cmd.Context(), id)
				if err != nil {
					return err
				}
				history, err := svc.ListAttempts(cmd.Context(), id, attempts)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]interface{}{
					"document":     view.Document,
					"last_attempt": view.LastAttempt,
					"attempts":     history,
				})
			})
		},
	}
	cmd.Flags().IntVar(&attempts, "attempts", 10, "number of recent attempts to show")
	return cmd
}

func (a *app) enqueueCommand() *cobra.Command {
	var version int
	var pairs []string
	cmd := &cobra.Command{
		Use:   "enqueue <document-id>",
		Short: "Queue a submission job for a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid document id %q: %w", args[0], err)
			}
			jobContext, err := parseContext(pairs)
			if err != nil {
				return err
			}
			return a.withService(func(_ *submission.Repository, svc *submission.Service) error {
				job, err := svc.Enqueue(cmd.Context(), id, models.EnqueueSubmissionRequest{
					ContentVersion: version,
					Context:        jobContext,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, job)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "content version to submit (default: current)")
	cmd.Flags().StringArrayVar(&pairs, "context", nil, "submission context as key=value, repeatable")
	return cmd
}

func (a *app) cancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <document-id>",
		Short: "Cancel a document that is not submitted or being submitted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid document id %q: %w", args[0], err)
			}
			return a.withService(func(_ *submission.Repository, svc *submission.Service) error {
				doc, err := svc.Cancel(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSON(cmd, doc)
			})
		},
	}
}

func (a *app) reapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Expire abandoned attempts and clear stale locks once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withService(func(_ *submission.Repository, svc *submission.Service) error {
				result, err := svc.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	}
}

func (a *app) withService(fn func(repo *submission.Repository, svc *submission.Service) error) error {
	db, closeDB, err := a.openDB(a.cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer closeDB()

	publisher, closePublisher := a.newPublisher(a.cfg)
	defer closePublisher()

	repo := submission.NewRepository(db, submission.SystemClock)
	coordinator := submission.NewCoordinator(db, a.cfg.LockTimeout)
	reaper := submission.NewReaper(db, a.cfg.LockTimeout, submission.SystemClock, nil)
	return fn(repo, submission.NewService(repo, coordinator, reaper, publisher))
}

func parseContext(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid context %q, want key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
