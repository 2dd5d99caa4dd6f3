package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/observantio/becertain/internal/api"
	"github.com/observantio/becertain/internal/models"
)

var patternsFlags struct {
	addr           string
	tenant         string
	service        string
	minOccurrences int
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "List recurring root causes mined from stored reports",
	Args:  cobra.NoArgs,
	RunE:  runPatterns,
}

func init() {
	f := patternsCmd.Flags()
	f.StringVar(&patternsFlags.addr, "addr", "localhost:50051", "Address of a running rca-engine")
	f.StringVar(&patternsFlags.tenant, "tenant", "", "Tenant id (required)")
	f.StringVar(&patternsFlags.service, "service", "", "Restrict to one service")
	f.IntVar(&patternsFlags.minOccurrences, "min-occurrences", 2, "Drop patterns seen fewer times")
	_ = patternsCmd.MarkFlagRequired("tenant")
}

func runPatterns(cmd *cobra.Command, _ []string) error {
	conn, err := grpc.NewClient(patternsFlags.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", patternsFlags.addr, err)
	}
	defer conn.Close()

	in, err := api.Encode(models.PatternsRequest{
		Tenant:         patternsFlags.tenant,
		Service:        patternsFlags.service,
		MinOccurrences: patternsFlags.minOccurrences,
	})
	if err != nil {
		return err
	}
	out, err := api.NewClient(conn).GetPatterns(cmd.Context(), in)
	if err != nil {
		return err
	}
	var resp models.PatternsResponse
	if err := api.Decode(out, &resp); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}
