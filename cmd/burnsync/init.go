package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/burnsync/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter burnsync.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("cwd")
		if dir == "" {
			dir = "."
		}
		force, _ := cmd.Flags().GetBool("force")

		p, err := config.WriteTemplate(dir, force)
		if errors.Is(err, config.ErrExists) {
			return fmt.Errorf("%s already exists, use --force to overwrite", p)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", p)
		return nil
	},
}

func init() {
	initCmd.Flags().Bool("force", false, "Overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}
