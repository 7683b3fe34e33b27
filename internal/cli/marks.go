package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"ratewatch/internal/app"
)

var (
	marksLimit      int
	marksActiveOnly bool
	marksOwner      int64
)

var marksCmd = &cobra.Command{
	Use:   "marks",
	Short: "Display rate marks",
	RunE: func(cmd *cobra.Command, args []string) error {
		if marksLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:      marksLimit,
			ActiveOnly: marksActiveOnly,
			OwnerID:    marksOwner,
		}

		return getApp().ShowMarks(cmd.Context(), opts)
	},
}

func init() {
	marksCmd.Flags().IntVar(&marksLimit, "limit", 50, "Number of marks to display")
	marksCmd.Flags().BoolVar(&marksActiveOnly, "active", false, "Only show active marks")
	marksCmd.Flags().Int64Var(&marksOwner, "user", 0, "Only show marks of this user id")
}
