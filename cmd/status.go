package cmd

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")).MarginBottom(1)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the stage and progress of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	status, err := newAPIClient().status(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render("Job " + status.JobID))
	fmt.Printf("  stage: %s\n", stageStyle(status.Stage).Render(status.Stage))
	if status.Segments.Total > 0 {
		fmt.Printf("  segments: %d total, %d images, %d clips, %d failed\n",
			status.Segments.Total, status.Segments.ImageReady,
			status.Segments.VideoReady, status.Segments.Failed)
	}

	switch status.Stage {
	case "completed":
		fmt.Printf("  video: %s (%.1fMB, %.1fs)\n",
			status.FinalVideoPath, status.FinalVideoSizeMB, status.FinalVideoDuration)
	case "failed":
		fmt.Printf("  failure: %s at %s", status.FailureKind, status.FailureStage)
		if status.FailureSegment != nil {
			fmt.Printf(", segment %d", *status.FailureSegment)
		}
		fmt.Println()
	}
	return nil
}

func stageStyle(stage string) lipgloss.Style {
	switch stage {
	case "completed":
		return successStyle
	case "failed":
		return errorStyle
	case "cancelled":
		return warnStyle
	default:
		return infoStyle
	}
}
