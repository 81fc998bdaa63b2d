package main

import (
	"net"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

type bannerInfo struct {
	Version  string
	LocalURL string
	// LANURL is empty unless the gateway listens beyond loopback.
	LANURL string
	Token  string
	Home   string
}

var (
	bannerBox   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(1, 2)
	bannerTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	bannerLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Width(8)
	bannerValue = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	bannerDim   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// renderBanner is printed by serve when stdout is a terminal. The token is
// never shown in full.
func renderBanner(b bannerInfo) string {
	row := func(label, value string) string {
		return bannerLabel.Render(label) + bannerValue.Render(value)
	}
	lines := []string{
		bannerTitle.Render("cc-mob " + b.Version),
		"",
		row("Local", b.LocalURL),
	}
	if b.LANURL != "" {
		lines = append(lines, row("LAN", b.LANURL))
	}
	lines = append(lines,
		row("Auth", b.LocalURL+"/?token="+maskToken(b.Token)),
		row("Home", b.Home),
		"",
		bannerDim.Render("Run `ccmob token show --url` for the full link. Ctrl+C stops."),
	)
	return bannerBox.Render(strings.Join(lines, "\n"))
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", 8)
}

// lanURL returns the gateway address on the first non-loopback IPv4
// interface, or "" when there is none.
func lanURL(port int) string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return "http://" + net.JoinHostPort(ip4.String(), strconv.Itoa(port))
		}
	}
	return ""
}
