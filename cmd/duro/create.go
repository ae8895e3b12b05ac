package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create <kind> <connstr>",
	Short: "Create (or re-open) an environment and bootstrap its catalog",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := openEnv(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("open environment: %w", err)
		}
		defer env.Close()

		if _, err := bootstrapCatalog(ctx, env); err != nil {
			return err
		}
		fmt.Printf("environment %q (%s) ready\n", args[1], args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(createCmd)
}
