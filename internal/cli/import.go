package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hydrotwin/hydrotwin/internal/daemon"
	"github.com/hydrotwin/hydrotwin/internal/domain"
)

func init() {
	importCmd.Flags().BoolVar(&importSkipBaseline, "skip-baseline", false, "Import the definition without computing the baseline")
	rootCmd.AddCommand(importCmd)
}

var importSkipBaseline bool

var importCmd = &cobra.Command{
	Use:   "import <network.inp>",
	Short: "Import a network definition and compute its baseline",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	source := args[0]
	if filepath.Ext(source) != ".inp" {
		return fmt.Errorf("definition must be a .inp file: %s", source)
	}

	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	networkID := uuid.New()
	networksDir := filepath.Join(d.Config.Data.Dir, "networks")
	if err := os.MkdirAll(networksDir, 0700); err != nil {
		return err
	}
	dest := filepath.Join(networksDir, networkID.String()+".inp")
	if err := copyFile(source, dest); err != nil {
		return fmt.Errorf("copy definition: %w", err)
	}

	ctx := context.Background()
	network := domain.Network{
		ID:             networkID,
		Name:           filepath.Base(source),
		DefinitionPath: dest,
		UploadedAt:     time.Now(),
	}
	if err := d.DB.UpsertNetwork(ctx, network); err != nil {
		return err
	}
	fmt.Printf("Imported %s as network %s\n", network.Name, networkID)

	if importSkipBaseline {
		return nil
	}

	summary, err := d.Registry.Compute(ctx, networkID, false)
	if err != nil {
		return fmt.Errorf("compute baseline: %w", err)
	}
	fmt.Printf("Baseline computed: %d items, %d baseline values\n",
		summary.ItemCount, summary.BaselineCount)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
