package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/lock"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show who holds the catalog lock",
	Long: `Reads the lock collection of the configured store and prints the current
holder. An expired record is removed on the way, the same as any session does.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var cl closers
		defer cl.run()
		locks, _, err := buildStores(cfg.Store, &cl)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		// An unauthenticated manager can observe but never take the lock.
		m := lock.NewManager(locks, nil, lock.WithLogger(zerolog.Nop()))
		v := m.CheckStatus(ctx)
		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		}
		if !v.IsLocked {
			fmt.Println("Strafkatalog: frei")
			return nil
		}
		fmt.Printf("Strafkatalog: gesperrt von %s (noch %ds, seit %s)\n",
			v.Lock.OwnerName, v.RemainingSeconds, v.Lock.LockedAt.Local().Format(time.DateTime))
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the lock view as JSON")
}
