package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change settings",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := json.MarshalIndent(cfg.Redacted(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one setting in the config file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Environment overrides are not written back.
			stored, err := cfgManager.Load()
			if err != nil {
				return err
			}
			if err := stored.Set(args[0], args[1]); err != nil {
				return err
			}
			if err := stored.Validate(); err != nil {
				return err
			}
			if err := cfgManager.Save(stored); err != nil {
				return err
			}
			fmt.Printf("Saved %s in %s\n", args[0], cfgManager.GetConfigPath())
			return nil
		},
	}

	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(cfgManager.GetConfigPath())
		},
	}

	cmd.AddCommand(showCmd, setCmd, pathCmd)
	return cmd
}
