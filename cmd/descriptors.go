package cmd

import (
	"fmt"
	"os"

	"github.com/andresmejia3/lineage/internal/builder"
	"github.com/andresmejia3/lineage/internal/model"
	"github.com/andresmejia3/lineage/internal/photos"
	"github.com/andresmejia3/lineage/internal/utils"
	"github.com/spf13/cobra"
)

var forceBuild bool

var descriptorsCmd = &cobra.Command{
	Use:   "descriptors",
	Short: "Manage the persisted face descriptor cache",
}

var descriptorsBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Compute one descriptor per directory portrait and persist them",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		src, err := directorySource(ctx)
		if err != nil {
			return err
		}
		people, err := src.People(ctx)
		if err != nil {
			return fmt.Errorf("failed to read directory: %w", err)
		}
		c, err := descriptorCache(ctx)
		if err != nil {
			return err
		}

		if !forceBuild && c.Valid(ctx, people) {
			fmt.Println("✅ Descriptor cache is up to date (use --force to rebuild)")
			return nil
		}
		c.Purge(ctx)

		w, err := startWorker()
		if err != nil {
			utils.ShowError("Failed to start AI worker", err, nil)
			return err
		}
		defer w.Close()

		bar := newBar("🧠 Loading models")
		if err := model.NewLoader(w).Load(ctx, func(p int) { bar.Set(p) }); err != nil {
			utils.ShowError("Model loading failed", err, w.Cmd)
			return err
		}
		bar.Finish()

		bar = newBar("🧬 Building descriptors")
		b := builder.New(w, photos.NewFetcher(Cfg.Photos.Base), c)
		embeddings, err := b.Build(ctx, people, func(p int) { bar.Set(p) })
		if err != nil {
			return fmt.Errorf("descriptor build aborted: %w", err)
		}
		bar.Finish()

		fmt.Fprintln(os.Stderr)
		fmt.Printf("✅ Stored %d descriptors for %d family members\n", len(embeddings), len(people))
		return nil
	},
}

var descriptorsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the cache matches the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		src, err := directorySource(ctx)
		if err != nil {
			return err
		}
		people, err := src.People(ctx)
		if err != nil {
			return fmt.Errorf("failed to read directory: %w", err)
		}
		c, err := descriptorCache(ctx)
		if err != nil {
			return err
		}

		if !c.Valid(ctx, people) {
			fmt.Printf("❌ Descriptor cache is stale or missing (%d family members)\n", len(people))
			return nil
		}
		embeddings, _ := c.Load(ctx, people)
		fmt.Printf("✅ Descriptor cache is valid: %d descriptors for %d family members\n", len(embeddings), len(people))
		return nil
	},
}

func init() {
	descriptorsBuildCmd.Flags().BoolVarP(&forceBuild, "force", "f", false, "Purge and rebuild even when the cache is valid")
	descriptorsCmd.AddCommand(descriptorsBuildCmd, descriptorsStatusCmd)
	rootCmd.AddCommand(descriptorsCmd)
}
