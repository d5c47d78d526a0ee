package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	controlAddr  string
	controlToken string
)

var syncCmd = &cobra.Command{
	Use:   "sync [tag]",
	Short: "Run a background sync now",
	Long: `Fire a sync tag on the running instance and wait for it. Without a tag
the form queue is drained.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tag := ""
		if len(args) == 1 {
			tag = args[0]
		}
		return runControl(cmd, http.MethodPost, func(formTag string) string {
			if tag == "" {
				tag = formTag
			}
			return "/v1/sync/" + tag
		})
	},
}

var skipWaitingCmd = &cobra.Command{
	Use:   "skip-waiting",
	Short: "Activate an installed version that is waiting",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(cmd, http.MethodPost, func(string) string { return "/v1/skip-waiting" })
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show lifecycle state, partitions and queue depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(cmd, http.MethodGet, func(string) string { return "/v1/status" })
	},
}

func init() {
	for _, cmd := range []*cobra.Command{syncCmd, skipWaitingCmd, statusCmd} {
		cmd.Flags().StringVar(&controlAddr, "addr", "", "control listener address (default: control.listen_addr)")
		cmd.Flags().StringVar(&controlToken, "token", "", "control token (default: control.token)")
	}
}

func runControl(cmd *cobra.Command, method string, path func(formTag string) string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	addr := controlAddr
	if addr == "" {
		addr = cfg.Control.ListenAddr
	}
	token := controlToken
	if token == "" {
		token = cfg.Control.Token
	}
	if addr == "" {
		return fmt.Errorf("no control address: set control.listen_addr or --addr")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	req, err := http.NewRequestWithContext(cmd.Context(), method, strings.TrimRight(addr, "/")+path(cfg.Sync.FormTag), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	client := &http.Client{Timeout: time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		body = pretty.Bytes()
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %d %s", method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
	return nil
}
