package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hydrotwin/hydrotwin/internal/daemon"
	"github.com/hydrotwin/hydrotwin/internal/domain"
)

func init() {
	anomaliesCmd.Flags().StringVar(&anomalySeverity, "severity", "", "Filter by severity (medium, high, critical)")
	anomaliesCmd.Flags().IntVar(&anomalyLimit, "limit", 50, "Maximum anomalies to show")
	rootCmd.AddCommand(anomaliesCmd)
}

var (
	anomalySeverity string
	anomalyLimit    int
)

var anomaliesCmd = &cobra.Command{
	Use:   "anomalies <network-id>",
	Short: "Show recent anomalies for a network",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnomalies,
}

func runAnomalies(cmd *cobra.Command, args []string) error {
	networkID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("bad network id %q: %w", args[0], err)
	}

	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	page, err := d.DB.QueryAnomalies(context.Background(), networkID, domain.AnomalyFilter{
		Severity: domain.Severity(anomalySeverity),
		Limit:    anomalyLimit,
	})
	if err != nil {
		return err
	}
	if len(page.Anomalies) == 0 {
		fmt.Println("No anomalies recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DETECTED\tSENSOR\tACTUAL\tEXPECTED\tDEVIATION\tSEVERITY")
	for _, a := range page.Anomalies {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%.2f\t%.1f%%\t%s\n",
			a.Timestamp.Format("15:04:05"), a.SensorID,
			a.Actual, a.Expected, a.DeviationPercent, a.Severity)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d of %d anomalies shown\n", len(page.Anomalies), page.Total)
	return nil
}
