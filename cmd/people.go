package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/lineage/internal/directory"
	"github.com/andresmejia3/lineage/internal/photos"
	"github.com/andresmejia3/lineage/internal/utils"
	"github.com/spf13/cobra"
)

var importMerge bool

var peopleCmd = &cobra.Command{
	Use:   "people",
	Short: "Inspect and load the family member directory",
}

var peopleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all family members with their photo",
	Run: func(cmd *cobra.Command, args []string) {
		src, err := directorySource(cmd.Context())
		if err != nil {
			utils.Die("Failed to open directory", err, nil)
		}
		people, err := src.People(cmd.Context())
		if err != nil {
			utils.Die("Failed to list family members", err, nil)
		}

		if len(people) == 0 {
			fmt.Println("No family members found.")
			return
		}

		fetcher := photos.NewFetcher(Cfg.Photos.Base)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPHOTO")
		fmt.Fprintln(w, "--\t----\t-----")

		for _, p := range people {
			photo := "-"
			if p.HasPhoto() {
				photo = fetcher.Resolve(p.Data.Image)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Label(), photo)
		}
		w.Flush()
	},
}

var peopleImportCmd = &cobra.Command{
	Use:   "import <data.json>",
	Short: "Load a data.json export into the PostgreSQL directory",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		people, err := directory.NewFileSource(args[0]).People(ctx)
		if err != nil {
			utils.Die("Failed to read export", err, nil)
		}

		db, err := openDB(ctx)
		if err != nil {
			utils.Die("Database unavailable", err, nil)
		}

		if importMerge {
			for _, p := range people {
				if err := db.UpsertPerson(ctx, p); err != nil {
					utils.Die("Failed to store family member "+p.ID, err, nil)
				}
			}
		} else if err := db.ReplacePeople(ctx, people); err != nil {
			utils.Die("Failed to replace directory", err, nil)
		}

		fmt.Printf("✅ Imported %d family members\n", len(people))
	},
}

func init() {
	peopleImportCmd.Flags().BoolVar(&importMerge, "merge", false, "Upsert into the existing directory instead of replacing it")
	peopleCmd.AddCommand(peopleListCmd, peopleImportCmd)
	rootCmd.AddCommand(peopleCmd)
}
