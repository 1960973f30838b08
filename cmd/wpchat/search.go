package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ChamsBouzaiene/wpchat/internal/store"
)

func searchCmd() *cobra.Command {
	var (
		conversation string
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search past transcripts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.IndexPath == "" {
				return fmt.Errorf("transcript search needs index_path to be configured")
			}
			index, err := store.NewTranscriptIndex(cfg.IndexPath, logger)
			if err != nil {
				return err
			}
			defer index.Close()

			hits, err := index.Search(strings.Join(args, " "), conversation, limit)
			if err != nil {
				return err
			}
			if len(hits) == 0 {
				fmt.Println("No matches")
				return nil
			}
			for _, h := range hits {
				fmt.Println(formatHit(h))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&conversation, "conversation", "c", "", "Restrict to one conversation")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Max results")
	return cmd
}
