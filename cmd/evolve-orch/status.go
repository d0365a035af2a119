package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/evolve-orchestrator/internal/domain"
)

var statusServer string

func init() {
	statusCmd := &cobra.Command{
		Use:   "status [RUN_ID]",
		Short: "Show runs of a running server",
		Long: `Status queries the API of a running "serve" process. Without an argument
it lists every run the server tracks; with a run id it shows that run's
status and best candidates.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runStatus,
	}
	statusCmd.Flags().StringVar(&statusServer, "server", "", "API base URL (default from web config)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	base := statusServer
	if base == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		base = fmt.Sprintf("http://%s:%d", cfg.Web.Host, cfg.Web.Port)
	}
	client := &apiClient{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: 10 * time.Second}}

	if len(args) == 0 {
		var runs []domain.RunRecord
		if err := client.get(cmd.Context(), "/api/runs", &runs); err != nil {
			return err
		}
		fmt.Println(renderRunTable(runs))
		return nil
	}

	var view domain.RunView
	if err := client.get(cmd.Context(), "/api/runs/"+url.PathEscape(args[0]), &view); err != nil {
		return err
	}
	fmt.Println(renderRun(view))
	return nil
}

type apiClient struct {
	base string
	http *http.Client
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting server at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
