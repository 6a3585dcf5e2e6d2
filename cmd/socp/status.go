package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"socp/pkg/state"
	"socp/pkg/types"
)

var (
	primaryColor = lipgloss.Color("#7571f9")
	accentColor  = lipgloss.Color("#42c767")
	dangerColor  = lipgloss.Color("#ff6b6b")
	mutedColor   = lipgloss.Color("#6c757d")
	fgColor      = lipgloss.Color("#e0e0e0")
	borderColor  = lipgloss.Color("#3c3c3c")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Padding(0, 1)
	rowStyle    = lipgloss.NewStyle().Foreground(fgColor).Padding(0, 1)
	labelStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	valueStyle  = lipgloss.NewStyle().Foreground(fgColor).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
)

func statusCmd() *cobra.Command {
	var (
		serverURL  string
		jsonOutput bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a server's links and users",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			snap, raw, err := fetchStatus(ctx, serverURL)
			if err != nil {
				if !jsonOutput {
					fmt.Fprintln(cmd.OutOrStdout(), lipgloss.NewStyle().Foreground(dangerColor).Bold(true).Render("❌ Server Unreachable")+"\n"+
						mutedStyle.Render(err.Error()))
				}
				return err
			}

			if jsonOutput {
				_, err := cmd.OutOrStdout().Write(raw)
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(snap, time.Now()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&serverURL, "server", "s", "http://127.0.0.1:8765", "server base URL")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the raw status document")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")

	return cmd
}

func fetchStatus(ctx context.Context, base string) (*state.Snapshot, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+"/status", nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("status request failed: %s", resp.Status)
	}

	var snap state.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, nil, fmt.Errorf("invalid status document: %w", err)
	}
	return &snap, body, nil
}

func renderStatus(snap *state.Snapshot, now time.Time) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("🌐 SOCP STATUS"))
	b.WriteString("\n")

	var summary strings.Builder
	summary.WriteString(labelStyle.Render("Server ID:") + " " + valueStyle.Render(snap.ServerID) + "\n")
	summary.WriteString(labelStyle.Render("Linked Servers:") + " " + valueStyle.Render(fmt.Sprintf("%d", len(snap.Servers))) + "\n")
	summary.WriteString(labelStyle.Render("Local Users:") + " " + valueStyle.Render(fmt.Sprintf("%d", len(snap.LocalUsers))) + "\n")
	summary.WriteString(labelStyle.Render("Known Users:") + " " + valueStyle.Render(fmt.Sprintf("%d", len(snap.UserLocations))) + "\n")
	summary.WriteString(labelStyle.Render("Groups:") + " " + valueStyle.Render(fmt.Sprintf("%d", len(snap.Groups))) + "\n")
	summary.WriteString(labelStyle.Render("Seen Cache:") + " " + valueStyle.Render(fmt.Sprintf("%d", snap.SeenEntries)))
	b.WriteString(panel("SERVER", "🖥", summary.String()))
	b.WriteString("\n")

	b.WriteString(panel("PEERS", "📡", renderPeers(snap.Servers, now)))
	b.WriteString("\n")
	b.WriteString(panel("USERS", "👥", renderUsers(snap.UserLocations)))
	if len(snap.Groups) > 0 {
		b.WriteString("\n")
		b.WriteString(panel("GROUPS", "🗂", renderGroups(snap.Groups)))
	}
	return b.String()
}

func renderGroups(groups []state.GroupStatus) string {
	t := newTable()
	t.Headers("GROUP", "OWNER", "MEMBERS")
	for _, g := range groups {
		t.Row(g.Name, g.Owner, fmt.Sprintf("%d", g.Members))
	}
	return t.Render()
}

func renderPeers(servers []state.ServerStatus, now time.Time) string {
	if len(servers) == 0 {
		return mutedStyle.Render("No peers connected")
	}

	t := newTable()
	t.Headers("SERVER ID", "ADDRESS", "LAST HEARTBEAT")
	for _, s := range servers {
		last := "never"
		if s.LastHeartbeatMS > 0 {
			last = formatAgo(now.Sub(time.UnixMilli(s.LastHeartbeatMS)))
		}
		t.Row(s.ID, fmt.Sprintf("%s:%d", s.Host, s.Port), last)
	}
	return t.Render()
}

func renderUsers(locations map[string]string) string {
	if len(locations) == 0 {
		return mutedStyle.Render("No users online")
	}

	users := make([]string, 0, len(locations))
	for u := range locations {
		users = append(users, u)
	}
	sort.Strings(users)

	t := newTable()
	t.Headers("USER", "LOCATION")
	for _, u := range users {
		loc := locations[u]
		if loc == types.LocationLocal {
			loc = lipgloss.NewStyle().Foreground(accentColor).Render(loc)
		}
		t.Row(u, loc)
	}
	return t.Render()
}

func newTable() *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(borderColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle
		})
}

func panel(title, icon, content string) string {
	header := headerStyle.Render(icon + " " + title)
	return panelStyle.Render(header + "\n" + content)
}

func formatAgo(d time.Duration) string {
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}
