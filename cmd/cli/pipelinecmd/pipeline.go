package pipelinecmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"cirunner/internal/config"
	"cirunner/internal/database"
	"cirunner/internal/pipeline"
	"cirunner/internal/queue"
)

var Command = &cobra.Command{
	Use:   "pipeline",
	Short: "Manage pipelines",
}

var applyCmd = &cobra.Command{
	Use:   "apply -f pipeline.yaml --name NAME --repository REPO",
	Short: "Creates a pipeline, or updates the one registered for the repository",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		name, _ := cmd.Flags().GetString("name")
		repository, _ := cmd.Flags().GetString("repository")

		pipelineConfig, err := pipeline.LoadConfig(file)
		if err != nil {
			return err
		}

		db := mustDatabase(cmd)
		defer closeDB(db)
		store := pipeline.NewStore(db)

		existing, err := store.FindByRepository(cmd.Context(), repository)
		switch {
		case errors.Is(err, pipeline.ErrPipelineNotFound):
			created, err := store.Create(cmd.Context(), name, repository, pipelineConfig)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created pipeline %s (%d jobs per run)\n", created.ID, pipelineConfig.NumJobs())
		case err != nil:
			return err
		default:
			updated, err := store.Update(cmd.Context(), existing.ID, name, repository, pipelineConfig)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "updated pipeline %s (%d jobs per run)\n", updated.ID, pipelineConfig.NumJobs())
		}
		return nil
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger PIPELINE_ID",
	Short: "Starts a run of a pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pipelineID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid pipeline id %q: %w", args[0], err)
		}

		var metadata map[string]any
		if raw, _ := cmd.Flags().GetString("metadata"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
				return fmt.Errorf("metadata must be a JSON object: %w", err)
			}
		}

		db := mustDatabase(cmd)
		defer closeDB(db)
		pipelines := pipeline.NewStore(db)
		runs := pipeline.NewRuns(db, pipelines, queue.NewJobQueue(db))

		run, err := runs.TriggerRun(cmd.Context(), pipelineID, pipeline.TriggerManual, metadata)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), run.ID)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists registered pipelines",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db := mustDatabase(cmd)
		defer closeDB(db)

		pipelines, err := pipeline.NewStore(db).List(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tNAME\tREPOSITORY\tUPDATED")
		for _, p := range pipelines {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Repository, p.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "pipeline definition file (YAML or JSON)")
	applyCmd.Flags().String("name", "", "pipeline name")
	applyCmd.Flags().String("repository", "", "repository the pipeline builds, matched against git push webhooks")
	for _, flag := range []string{"file", "name", "repository"} {
		_ = applyCmd.MarkFlagRequired(flag)
	}

	triggerCmd.Flags().String("metadata", "", "trigger metadata as a JSON object")

	Command.AddCommand(applyCmd)
	Command.AddCommand(triggerCmd)
	Command.AddCommand(listCmd)
}

func mustDatabase(cmd *cobra.Command) *sqlx.DB {
	conf := config.FromCobraCmd(cmd)
	db, err := database.New(conf)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to database")
	}
	return db
}

func closeDB(db *sqlx.DB) {
	if err := db.Close(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "could not close db cleanly: %v\n", err)
	}
}
