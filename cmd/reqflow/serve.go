package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/funnyzak/reqflow/internal/config"
	"github.com/funnyzak/reqflow/internal/logger"
	"github.com/funnyzak/reqflow/internal/server"
	"github.com/funnyzak/reqflow/internal/web"
)

func newServeCmd() *cobra.Command {
	var (
		port      int
		adminPath string
		apiToken  string
	)
	cmd := &cobra.Command{
		Use:   "serve [file]",
		Short: "Serve the HTTP control API",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if port != 0 {
				a.cfg.Web.Port = port
			}
			if adminPath != "" {
				a.cfg.Web.AdminPath = adminPath
			}
			if apiToken != "" {
				a.cfg.Web.APIToken = apiToken
			}

			ws := a.workspace()
			defer ws.Close()
			if len(args) == 1 {
				if err := ws.LoadFile(args[0]); err != nil {
					return fmt.Errorf("failed to load %s: %w", args[0], err)
				}
			}

			printStartupBanner(cmd.ErrOrStderr(), a.cfg, a.log)

			svc := web.NewService(&a.cfg.Web, ws, a.store, a.log)
			return server.New(a.cfg, svc, a.log).Run(cmd.Context())
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port")
	cmd.Flags().StringVar(&adminPath, "admin-path", "", "API path prefix")
	cmd.Flags().StringVar(&apiToken, "api-token", "", "Require this bearer token on API calls")
	return cmd
}

func printStartupBanner(out io.Writer, cfg *config.Config, log logger.Logger) {
	titleLine := fmt.Sprintf("ReqFlow v%s", version)
	subtitleLine := "HAR Flow Replay Control API"

	var lines []string
	lines = append(lines, fmt.Sprintf("🚀 Listening on:   http://0.0.0.0:%d%s", cfg.Web.Port, cfg.Web.AdminPath))
	lines = append(lines, fmt.Sprintf("📊 Log Level:      %s", cfg.Log.Level))
	if cfg.Web.APIToken != "" {
		lines = append(lines, "🔐 API Token:      Required")
	} else {
		lines = append(lines, "🔐 API Token:      Disabled")
	}
	if cfg.Transport.BaseURL != "" {
		lines = append(lines, fmt.Sprintf("🎯 Target:         %s", cfg.Transport.BaseURL))
	} else {
		lines = append(lines, "🎯 Target:         recorded hosts")
	}

	lines = append(lines, "")
	if cfg.Storage.Enable {
		lines = append(lines, fmt.Sprintf("💾 History:        %s", cfg.Storage.Driver))
		if cfg.Storage.Driver != "memory" {
			lines = append(lines, fmt.Sprintf("   └─ %s (max %d runs)", cfg.Storage.Path, cfg.Storage.MaxRuns))
		}
	} else {
		lines = append(lines, "💾 History:        Disabled")
	}

	lines = append(lines, "")
	lines = append(lines, "(Press Ctrl+C to stop)")

	maxLength := runewidth.StringWidth(titleLine)
	for _, line := range lines {
		if w := runewidth.StringWidth(line); w > maxLength {
			maxLength = w
		}
	}
	boxWidth := maxLength + 4
	if boxWidth < 50 {
		boxWidth = 50
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "┌%s┐\n", strings.Repeat("─", boxWidth-2))
	printBoxContent(out, titleLine, boxWidth, true)
	printBoxContent(out, subtitleLine, boxWidth, true)
	fmt.Fprintf(out, "├%s┤\n", strings.Repeat("─", boxWidth-2))
	for _, line := range lines {
		printBoxContent(out, line, boxWidth, false)
	}
	fmt.Fprintf(out, "└%s┘\n", strings.Repeat("─", boxWidth-2))
	fmt.Fprintln(out)

	log.Info("ReqFlow starting",
		"version", version,
		"port", cfg.Web.Port,
		"admin_path", cfg.Web.AdminPath,
		"log_level", cfg.Log.Level,
		"storage", cfg.Storage.Enable,
		"base_url", cfg.Transport.BaseURL,
	)
}

// printBoxContent prints one line of the box, centered or indented by two.
func printBoxContent(out io.Writer, content string, boxWidth int, center bool) {
	padding := boxWidth - 2 - runewidth.StringWidth(content)
	if padding < 2 {
		padding = 2
	}

	var leftPad, rightPad string
	if center {
		leftPad = strings.Repeat(" ", padding/2)
		rightPad = strings.Repeat(" ", padding-padding/2)
	} else {
		leftPad = "  "
		rightPad = strings.Repeat(" ", padding-2)
	}
	fmt.Fprintf(out, "│%s%s%s│\n", leftPad, content, rightPad)
}
