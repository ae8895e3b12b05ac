package main

import (
	"encoding/hex"
	"fmt"

	"github.com/duro-db/duro/internal/catalog"
	"github.com/duro-db/duro/internal/rec"
	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan <kind> <connstr> <table>",
	Short: "Scan a registered table's primary index and print raw field bytes",
	Args:  cobra.ExactArgs(3),
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

		tableName := args[2]
		tx, err := env.Begin(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Abort(ctx)

		heading, keys, _, err := cat.GetVTable(ctx, tableName, tx)
		if err != nil {
			return fmt.Errorf("table %q: %w", tableName, err)
		}

		st, err := catalog.OpenStoredTable(ctx, env, cat, catalog.TableDef{
			Name:       tableName,
			Heading:    heading,
			PrimaryKey: keys,
			Persistent: true,
		}, tx)
		if err != nil {
			return fmt.Errorf("open table %q: %w", tableName, err)
		}

		cur, err := st.Recmap.Cursor(ctx, false, tx)
		if err != nil {
			return fmt.Errorf("open cursor: %w", err)
		}
		defer cur.Close()

		count := 0
		for err := cur.First(ctx); ; err = cur.Next(ctx, false) {
			if err != nil {
				return err
			}
			if cur.State() != rec.Positioned {
				break
			}
			count++
			fmt.Printf("record %d:\n", count)
			for no := 0; no < st.Recmap.FieldCount(); no++ {
				info := st.Recmap.FieldInfo(no)
				data, err := cur.Get(ctx, no)
				if err != nil {
					return err
				}
				fmt.Printf("  %-20s %s\n", info.AttrName, hex.EncodeToString(data))
			}
		}
		fmt.Printf("%d record(s)\n", count)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
}
