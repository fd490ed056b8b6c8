package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hydrotwin/hydrotwin/internal/daemon"
)

func init() {
	rootCmd.AddCommand(networksCmd)
}

var networksCmd = &cobra.Command{
	Use:   "networks",
	Short: "List imported networks",
	RunE:  runNetworks,
}

func runNetworks(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	networks, err := d.DB.ListNetworks(context.Background())
	if err != nil {
		return err
	}
	if len(networks) == 0 {
		fmt.Println("No networks imported.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tUPLOADED\tBASELINE")
	for _, n := range networks {
		baseline := "-"
		if n.HasBaseline() {
			baseline = n.BaselineComputedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			n.ID, n.Name, n.UploadedAt.Format("2006-01-02 15:04"), baseline)
	}
	return w.Flush()
}
