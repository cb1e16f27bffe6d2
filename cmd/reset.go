package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/lineage/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB    bool
	resetCache bool
	resetYes   bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Descriptor cache, Database)",
	Long:  "Clears persisted state. By default, it purges the descriptor cache only. Use --db to also drop the database tables.",
	Run: func(cmd *cobra.Command, args []string) {
		// Without flags only the cache goes; the directory itself is user data
		if !resetDB && !resetCache {
			resetCache = true
		}

		reader := bufio.NewReader(os.Stdin)
		ctx := cmd.Context()

		if resetCache {
			if confirm(reader, "⚠️  Are you sure you want to purge the face descriptor cache?") {
				fmt.Println("🗑️  Clearing Descriptor Cache...")
				c, err := descriptorCache(ctx)
				if err != nil {
					utils.Die("Failed to open descriptor cache", err, nil)
				}
				c.Purge(ctx)
				if Cfg.Cache.Backend == "file" {
					removeDir(Cfg.Cache.Dir)
				}
			}
		}

		if resetDB {
			if confirm(reader, "⚠️  Are you sure you want to DROP all database tables?") {
				fmt.Println("🗑️  Clearing Database...")
				db, err := openDB(ctx)
				if err != nil {
					utils.Die("Database unavailable", err, nil)
				}
				if err := db.Reset(ctx); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Drop the PostgreSQL tables (directory and cache)")
	resetCmd.Flags().BoolVar(&resetCache, "cache", false, "Purge the descriptor cache")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	if resetYes {
		return true
	}
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
