package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var openCmd = &cobra.Command{
	Use:   "open <kind> <connstr>",
	Short: "Open an existing environment and report its registered tables",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := openEnv(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("open environment: %w", err)
		}
		defer env.Close()

		cat, err := bootstrapCatalog(ctx, env)
		if err != nil {
			return err
		}

		tx, err := env.Begin(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Abort(ctx)

		names, err := cat.ListTableNames(ctx, tx)
		if err != nil {
			return fmt.Errorf("list tables: %w", err)
		}
		fmt.Printf("environment %q (%s): %d table(s) registered\n", args[1], args[0], len(names))
		for _, n := range names {
			fmt.Println(" ", n)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(openCmd)
}
