package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/warp/leave-import/importfile"
	"github.com/warp/leave-import/reconcile"
)

func importCmd(a *app) *cobra.Command {
	var calendar, actor string
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Open a staged import session from a YAML or JSON export",
		Long: `Parse a normalized calendar export and open a staged import session for it.

The session is stored in the database and is picked up by the review UI (or
the /api/sessions endpoints) to finish matching, review and commit.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runImport(cmd.Context(), cmd.OutOrStdout(), args[0], reconcile.CalendarID(calendar), actor)
		},
	}
	cmd.Flags().StringVar(&calendar, "calendar", "", "calendar ID (overrides calendar_id in the file)")
	cmd.Flags().StringVar(&actor, "actor", "", "operator ID recorded on the session")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

// importReport is what the import command prints.
type importReport struct {
	SessionID    reconcile.SessionID  `json:"session_id"`
	CalendarID   reconcile.CalendarID `json:"calendar_id"`
	Items        int                  `json:"items"`
	Unmatched    []int                `json:"unmatched"`
	CurrentStage reconcile.Stage      `json:"current_stage"`
	CanProgress  bool                 `json:"can_progress"`
}

func (a *app) runImport(ctx context.Context, out io.Writer, path string, calendar reconcile.CalendarID, actor string) error {
	file, err := importfile.Load(path)
	if err != nil {
		return err
	}
	if calendar == "" {
		calendar = file.CalendarID
	}
	if calendar == "" {
		return errors.New("no calendar: pass --calendar or set calendar_id in the file")
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	engine := reconcile.NewEngine(store, store, nil, a.cfg.EngineOptions(), a.logger)
	view, err := engine.CreateSession(ctx, calendar, actor, file.Items)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	report := importReport{
		SessionID:    view.ID,
		CalendarID:   view.CalendarID,
		Items:        len(view.Items),
		Unmatched:    []int{},
		CurrentStage: view.Progress.CurrentStage,
		CanProgress:  view.Progress.CanProgress,
	}
	if d := view.Progress.StageData.Unmatched; d != nil {
		report.Unmatched = d.Unresolved()
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
