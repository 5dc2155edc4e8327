package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/interviewer/internal/archive"
	"github.com/zulandar/interviewer/internal/config"
	"github.com/zulandar/interviewer/internal/convo"
	"github.com/zulandar/interviewer/internal/db"
	"github.com/zulandar/interviewer/internal/models"
	"gorm.io/gorm"
)

func newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect archived interviews",
	}

	cmd.AddCommand(newArchiveMigrateCmd())
	cmd.AddCommand(newArchiveListCmd())
	cmd.AddCommand(newArchiveShowCmd())
	return cmd
}

func newArchiveMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the archive tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := connectArchive(configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d tables\n", len(db.AllModels()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to interviewer config file")
	return cmd
}

func newArchiveListCmd() *cobra.Command {
	var (
		configPath  string
		participant string
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived interviews, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			gormDB, err := connectArchive(configPath)
			if err != nil {
				return err
			}
			return runArchiveList(cmd.OutOrStdout(), gormDB, archive.ListOpts{Participant: participant, Limit: limit})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to interviewer config file")
	cmd.Flags().StringVar(&participant, "participant", "", "filter by candidate name")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum interviews to show")
	return cmd
}

func newArchiveShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <room>",
		Short: "Print the transcript of an archived interview",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gormDB, err := connectArchive(configPath)
			if err != nil {
				return err
			}
			return runArchiveShow(cmd.OutOrStdout(), gormDB, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to interviewer config file")
	return cmd
}

// connectArchive loads config and opens the archive, which must be enabled.
func connectArchive(configPath string) (*gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := openArchive(cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if gormDB == nil {
		return nil, fmt.Errorf("archive is disabled (archive.driver: none)")
	}
	return gormDB, nil
}

func runArchiveList(out io.Writer, gormDB *gorm.DB, opts archive.ListOpts) error {
	interviews, err := archive.List(gormDB, opts)
	if err != nil {
		return err
	}
	if len(interviews) == 0 {
		fmt.Fprintln(out, "No archived interviews.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROOM\tCANDIDATE\tREASON\tANSWERS\tDURATION\tENDED")
	for _, iv := range interviews {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			iv.RoomID, orDash(iv.Participant), orDash(iv.Reason), iv.TurnCount,
			formatDuration(iv), iv.EndedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runArchiveShow(out io.Writer, gormDB *gorm.DB, room string) error {
	iv, err := archive.Show(gormDB, room)
	if errors.Is(err, archive.ErrNotFound) {
		return fmt.Errorf("no archived interview for room %q", room)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Room:      %s\n", iv.RoomID)
	fmt.Fprintf(out, "Candidate: %s\n", orDash(iv.Participant))
	fmt.Fprintf(out, "Reason:    %s\n", orDash(iv.Reason))
	fmt.Fprintf(out, "Duration:  %s\n", formatDuration(*iv))
	fmt.Fprintln(out)
	for _, e := range iv.Entries {
		speaker := "Candidate"
		if convo.Sender(e.Sender) == convo.SenderAI {
			speaker = "Interviewer"
		}
		fmt.Fprintf(out, "[%s] %s: %s\n", e.SpokenAt.Local().Format("15:04:05"), speaker, e.Text)
	}
	return nil
}

func formatDuration(iv models.Interview) string {
	if iv.StartedAt.IsZero() || iv.EndedAt.Before(iv.StartedAt) {
		return "-"
	}
	return iv.EndedAt.Sub(iv.StartedAt).Round(time.Second).String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
