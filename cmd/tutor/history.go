package main

import (
	"fmt"

	"github.com/MegaGrindStone/shifu-stream/internal/history"
	"github.com/MegaGrindStone/shifu-stream/internal/services"
	"github.com/spf13/cobra"
)

func newHistoryCmd(opts *options) *cobra.Command {
	var local bool

	cmd := &cobra.Command{
		Use:   "history COURSE LESSON",
		Short: "Print the transcript of a lesson",
		Long: `Print the transcript of a lesson as rebuilt from the server's history records.
With --local, print the snapshot saved the last time the lesson was left instead.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			courseID, lessonID := args[0], args[1]
			out := newConsole(cmd.OutOrStdout())

			if local {
				db, err := services.NewBoltDB(opts.DBPath)
				if err != nil {
					return err
				}
				defer db.Close()

				blocks, err := db.Snapshot(cmd.Context(), courseID, lessonID)
				if err != nil {
					return err
				}
				if blocks == nil {
					return fmt.Errorf("no snapshot of lesson %s", lessonID)
				}
				out.print(blocks, false)
				return nil
			}

			client := services.NewHistoryClient(opts.Server, opts.Token, opts.logger)
			records, err := client.Records(cmd.Context(), courseID, lessonID)
			if err != nil {
				return err
			}
			blocks, resume := history.NewLoader(opts.logger).Load(records)
			out.print(blocks, false)
			if resume {
				out.notice("the last turn was interrupted; run the lesson to continue it")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "print the local snapshot")
	return cmd
}
