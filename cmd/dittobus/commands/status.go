package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittobus/pkg/api"
	"github.com/marmos91/dittobus/pkg/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running broker's namespaces, buses, and connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		client := &http.Client{Timeout: 5 * time.Second}
		url := fmt.Sprintf("http://127.0.0.1:%d/api/v1/namespaces", cfg.API.Port)
		resp, err := client.Get(url)
		if err != nil {
			return fmt.Errorf("broker not reachable at %s: %w", url, err)
		}
		defer resp.Body.Close()

		var body struct {
			Status string              `json:"status"`
			Data   []api.NamespaceView `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("invalid api response: %w", err)
		}

		for _, ns := range body.Data {
			fmt.Printf("namespace %s (id %d)\n", ns.Devpath, ns.ID)
			for _, b := range ns.Buses {
				fmt.Printf("  bus %s (id %d, bloom %d)\n", b.Name, b.ID, b.BloomSize)
				for _, c := range b.Connections {
					label := c.Label
					if label == "" {
						label = "-"
					}
					fmt.Printf("    connection %d  label=%s  pool=%d/%d\n", c.ID, label, c.PoolUsed, c.PoolSize)
				}
				for _, n := range b.Names {
					fmt.Printf("    name %s  owner=%d  queued=%d\n", n.Name, n.Owner, n.Queued)
				}
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
