package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list <kind> <connstr>",
	Short: "List the tables registered in an environment's catalog",
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
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
