package main

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var flagProbe string

// healthcheckCmd probes a running instance's monitor endpoint. Exit code 0
// means healthy, anything else unhealthy, which is the convention container
// orchestrators expect from a healthcheck binary.
var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Probe the monitor health endpoint of a running instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := setup()
		if err != nil {
			return err
		}
		if flagProbe != "live" && flagProbe != "ready" {
			return fmt.Errorf("probe must be live or ready, got %q", flagProbe)
		}

		url := "http://" + hostport(cfg.MonitorAddr) + "/healthz/" + flagProbe

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(url)
		if err != nil {
			return fmt.Errorf("probe %s: %w", url, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	},
}

func init() {
	healthcheckCmd.Flags().StringVar(&flagProbe, "probe", "ready", "which probe to hit: live or ready")
}

// hostport fills in localhost for listen addresses like ":8484".
func hostport(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return net.JoinHostPort("127.0.0.1", addr[1:])
	}
	return addr
}
