package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func historyCmd() *cobra.Command {
	var (
		page    int
		limit   int
		offline bool
	)
	cmd := &cobra.Command{
		Use:   "history [conversation-id]",
		Short: "List conversations or print one transcript",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := prepareRuntimeEnv(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer env.Close()
			now := time.Now()

			if len(args) == 1 {
				source := env.source
				if offline {
					if env.cache == nil {
						return fmt.Errorf("offline history needs cache_path to be configured")
					}
					source = env.cache
				}
				p, err := source.Page(ctx, args[0], "", limit)
				if err != nil {
					return err
				}
				for _, m := range p.Messages {
					fmt.Println(formatMessage(m))
				}
				if p.HasMore {
					fmt.Printf("(%d of %d messages shown)\n", len(p.Messages), p.Total)
				}
				return nil
			}

			if offline {
				if env.cache == nil {
					return fmt.Errorf("offline history needs cache_path to be configured")
				}
				summaries, err := env.cache.Conversations(ctx, limit)
				if err != nil {
					return err
				}
				for _, s := range summaries {
					fmt.Println(formatSummary(s, now))
				}
				return nil
			}

			list, err := env.hist.ListConversations(ctx, page, limit)
			if err != nil {
				return err
			}
			for _, c := range list.Results {
				fmt.Println(formatConversation(c, now))
			}
			if list.Next != nil {
				fmt.Printf("(more: wpchat history --page %d)\n", page+1)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&page, "page", "p", 1, "Page of the conversation list")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Max entries")
	cmd.Flags().BoolVar(&offline, "offline", false, "Read from the local cache only")
	return cmd
}
