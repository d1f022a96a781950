package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chatcore/pkg/summary"
	"chatcore/pkg/utils"
)

func newSummarizeCmd(root *rootOptions) *cobra.Command {
	var roomCode string
	cmd := &cobra.Command{
		Use:   "summarize",
		Short: "Summarize one room now and print the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if roomCode == "" {
				return errors.New("--room is required")
			}
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.summaries == nil {
				return errors.New("summaries need llm.provider to be configured")
			}

			room, err := a.store.GetRoomByCode(ctx, utils.NormalizeRoomCode(roomCode))
			if err != nil {
				return err
			}
			res, err := a.summaries.CreateOrUpdateSummary(ctx, room.ID)
			if err != nil {
				return fmt.Errorf("summarize %s: %w", room.Code, err)
			}

			if res.Status == summary.StatusOk {
				if n, err := a.store.CountSummaries(ctx, room.ID); err == nil {
					a.logger.Info("room %s now has %d summaries", room.Code, n)
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&roomCode, "room", "", "room code to summarize")
	return cmd
}
