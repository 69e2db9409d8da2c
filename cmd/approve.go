package cmd

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/huh/spinner"
	"github.com/spf13/cobra"

	"reelsmith/internal/store"
)

var (
	approveYes    bool
	approveReject bool
)

var approveCmd = &cobra.Command{
	Use:   "approve <job-id>",
	Short: "Answer the approval checkpoint a job is waiting on",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

func init() {
	approveCmd.Flags().BoolVarP(&approveYes, "yes", "y", false, "Approve without prompting")
	approveCmd.Flags().BoolVar(&approveReject, "reject", false, "Reject without prompting")
	rootCmd.AddCommand(approveCmd)
}

// checkpointFor maps a waiting stage to the checkpoint it blocks on.
var checkpointFor = map[string]store.ApprovalStage{
	"script_approval_wait": store.ApprovalScript,
	"images_approval_wait": store.ApprovalImages,
	"videos_approval_wait": store.ApprovalVideos,
}

func runApprove(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	client := newAPIClient()

	status, err := client.status(cmd.Context(), jobID)
	if err != nil {
		return err
	}
	checkpoint, ok := checkpointFor[status.Stage]
	if !ok {
		return fmt.Errorf("job is at %q, not waiting on an approval", status.Stage)
	}

	decision := store.DecisionApproved
	switch {
	case approveReject:
		decision = store.DecisionCancelled
	case approveYes:
	default:
		var approved bool
		err := huh.NewConfirm().
			Title(fmt.Sprintf("Approve the %s checkpoint for job %s?", checkpoint, jobID)).
			Description("Rejecting cancels the job and discards its artifacts.").
			Affirmative("Approve").
			Negative("Reject").
			Value(&approved).
			Run()
		if err != nil {
			return err
		}
		if !approved {
			decision = store.DecisionCancelled
		}
	}

	var decideErr error
	if err := spinner.New().
		Title("Recording decision...").
		Action(func() {
			decideErr = client.decide(cmd.Context(), jobID, checkpoint, decision)
		}).
		Run(); err != nil {
		return err
	}
	if decideErr != nil {
		return decideErr
	}

	if decision == store.DecisionApproved {
		fmt.Println(successStyle.Render(fmt.Sprintf("✓ %s approved, pipeline continuing", checkpoint)))
	} else {
		fmt.Println(warnStyle.Render(fmt.Sprintf("✗ %s rejected, job cancelled", checkpoint)))
	}
	return nil
}
