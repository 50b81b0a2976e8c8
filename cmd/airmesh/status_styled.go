package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"airmesh/pkg/cache"
	"airmesh/pkg/station"
	"airmesh/pkg/types"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Style definitions
var (
	primaryColor   = lipgloss.Color("#FF79C6") // Pink
	secondaryColor = lipgloss.Color("#8BE9FD") // Cyan
	accentColor    = lipgloss.Color("#50FA7B") // Green
	warningColor   = lipgloss.Color("#FFB86C") // Orange
	dangerColor    = lipgloss.Color("#FF5555") // Red
	mutedColor     = lipgloss.Color("#6272A4") // Comment
	fgColor        = lipgloss.Color("#F8F8F2") // Foreground

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(18)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	accentValueStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Bold(true)

	warningValueStyle = lipgloss.NewStyle().
				Foreground(warningColor).
				Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

// statusView is the rendered snapshot of a station.
type statusView struct {
	Callsign      types.StationID
	Cache         *cache.Statistics
	Subscriptions []*types.Subscription
	Beacons       []*types.BeaconPath
}

func collectStatus(s *station.Station) (*statusView, error) {
	stats, err := s.Cache().GetStatistics()
	if err != nil {
		return nil, fmt.Errorf("failed to read cache statistics: %w", err)
	}
	subs, err := s.Store().ListSubscriptions()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	beacons, err := s.Store().ListBeaconPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to list beacon paths: %w", err)
	}

	sort.Slice(beacons, func(i, j int) bool { return beacons[i].LastHeard.After(beacons[j].LastHeard) })
	return &statusView{
		Callsign:      s.Callsign(),
		Cache:         stats,
		Subscriptions: subs,
		Beacons:       beacons,
	}, nil
}

func printStatusStyled(view *statusView) {
	utilization := float64(view.Cache.UsedBytes) * 100 / float64(max64(view.Cache.TotalBytes, 1))

	usedStyle := accentValueStyle
	if utilization > 90 {
		usedStyle = warningValueStyle
	}

	var b strings.Builder
	rows := []struct {
		label string
		value string
		style lipgloss.Style
	}{
		{"Callsign", string(view.Callsign), accentValueStyle},
		{"Cache Used", fmt.Sprintf("%s / %s (%.1f%%)", formatBytes(view.Cache.UsedBytes), formatBytes(view.Cache.TotalBytes), utilization), usedStyle},
		{"Cache Entries", fmt.Sprintf("%d", view.Cache.Entries), valueStyle},
		{"Evictions", fmt.Sprintf("%d", view.Cache.Evictions), valueStyle},
		{"Subscriptions", fmt.Sprintf("%d", len(view.Subscriptions)), valueStyle},
		{"Heard Stations", fmt.Sprintf("%d", len(view.Beacons)), valueStyle},
	}
	for _, r := range rows {
		b.WriteString(labelStyle.Render(r.label) + r.style.Render(r.value) + "\n")
	}
	fmt.Println(panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Station"), b.String())))

	if len(view.Beacons) > 0 {
		t := table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(mutedColor)).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == 0 {
					return headerStyle
				}
				return rowStyle
			}).
			Headers("STATION", "HOPS", "SNR", "LAST HEARD")
		for _, p := range view.Beacons {
			t.Row(string(p.Station),
				fmt.Sprintf("%d", p.HopCount),
				fmt.Sprintf("%.1f dB", p.SignalStrength),
				formatAge(time.Since(p.LastHeard)))
		}
		fmt.Println(t.Render())
	}
}

func printStatusPlain(view *statusView) {
	fmt.Printf("Callsign:       %s\n", view.Callsign)
	fmt.Printf("Cache:          %s / %s, %d entries, %d evictions\n",
		formatBytes(view.Cache.UsedBytes), formatBytes(view.Cache.TotalBytes),
		view.Cache.Entries, view.Cache.Evictions)
	fmt.Printf("Subscriptions:  %d\n", len(view.Subscriptions))
	fmt.Printf("Heard stations: %d\n", len(view.Beacons))
	for _, p := range view.Beacons {
		fmt.Printf("  %-10s %d hops  %.1f dB  %s ago\n",
			p.Station, p.HopCount, p.SignalStrength, formatAge(time.Since(p.LastHeard)))
	}
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
