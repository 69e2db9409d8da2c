package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	submitRequester string
	submitChannel   string
)

var submitCmd = &cobra.Command{
	Use:   "submit <topic>",
	Short: "Submit a new video generation job",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitRequester, "requester", "cli", "Requester identifier")
	submitCmd.Flags().StringVar(&submitChannel, "channel", "", "Channel identifier for notifications")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	prompt := strings.Join(args, " ")

	jobID, err := newAPIClient().submit(cmd.Context(), submitRequester, submitChannel, prompt)
	if err != nil {
		return err
	}

	fmt.Println(successStyle.Render("✓ Job submitted"))
	fmt.Printf("  id:    %s\n", jobID)
	fmt.Printf("  topic: %s\n", prompt)
	fmt.Printf("\nTrack it with: reelsmith status %s\n", jobID)
	return nil
}
