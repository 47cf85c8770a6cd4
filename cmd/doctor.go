package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nodelink/internal/proxy"
	"github.com/nextlevelbuilder/nodelink/internal/settings"
	"github.com/nextlevelbuilder/nodelink/internal/trust"
	"github.com/nextlevelbuilder/nodelink/pkg/protocol"
)

const doctorDialTimeout = 10 * time.Second

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, stored pairing and node reachability",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(cmd.Context())
		},
	}
}

func runDoctor(ctx context.Context) {
	fmt.Println("nodelink doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Printf("  Settings: %s", appCfg.SettingsPath())
	store, cleanup, err := openStore(appCfg)
	if err != nil {
		fmt.Printf(" (ERROR: %s)\n", formatNodeError(err))
		return
	}
	defer cleanup()
	s, err := store.Load(ctx)
	if err != nil {
		fmt.Printf(" (ERROR: %s)\n", formatNodeError(err))
		return
	}
	fmt.Println(" (OK)")

	fmt.Println()
	fmt.Println("  Pairing:")
	if !s.Paired() {
		fmt.Println("    not paired (run `nodelink pair`)")
		return
	}
	fmt.Printf("    %-12s %s\n", "Client:", s.ClientName)
	fmt.Printf("    %-12s %s\n", "Node:", s.WebSocketURL)
	fmt.Printf("    %-12s %s\n", "Session:", sessionStatus(s))
	if s.TorClientAuthSecret != "" {
		fmt.Printf("    %-12s %s\n", "Tor auth:", torAuthStatus(s))
	}

	fmt.Println()
	fmt.Println("  Network:")
	pc := proxy.FromSettings(s)
	if err := pc.FixupAndValidate(); err != nil {
		fmt.Printf("    %-12s invalid (%s)\n", "Proxy:", err)
		return
	}
	if pc.Option != settings.ProxyNone {
		checkTCP(ctx, "Proxy:", pc.Addr())
	}
	checkNode(ctx, pc, s)

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func sessionStatus(s settings.SensitiveSettings) string {
	switch {
	case s.SessionID == "":
		return "none (refreshed on next connect)"
	case !s.SessionValid(time.Now()):
		return "expired (refreshed on next connect)"
	case s.SessionExpiry.IsZero():
		return "valid"
	}
	return "valid for " + time.Until(s.SessionExpiry).Round(time.Minute).String()
}

func checkTCP(ctx context.Context, label, addr string) {
	d := net.Dialer{Timeout: doctorDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		fmt.Printf("    %-12s %s UNREACHABLE\n", label, addr)
		return
	}
	conn.Close()
	fmt.Printf("    %-12s %s OK\n", label, addr)
}

// checkNode dials the node the way the transport does and, for TLS nodes,
// runs the pinned verifier over the presented certificate.
func checkNode(ctx context.Context, pc *proxy.Config, s settings.SensitiveSettings) {
	hostport, err := protocol.HostPort(s.WebSocketURL)
	if err != nil {
		fmt.Printf("    %-12s invalid url\n", "Node:")
		return
	}
	dial, err := pc.ToDialContext("doctor")
	if err != nil {
		fmt.Printf("    %-12s %s\n", "Node:", err)
		return
	}
	if dial == nil {
		dial = (&net.Dialer{Timeout: doctorDialTimeout}).DialContext
	}

	ctx, cancel := context.WithTimeout(ctx, doctorDialTimeout)
	defer cancel()
	raw, err := dial(ctx, "tcp", hostport)
	if err != nil {
		fmt.Printf("    %-12s %s UNREACHABLE\n", "Node:", hostport)
		return
	}
	defer raw.Close()
	fmt.Printf("    %-12s %s OK\n", "Node:", hostport)

	if !strings.HasPrefix(s.WebSocketURL, "wss://") && !strings.HasPrefix(s.WebSocketURL, "https://") {
		fmt.Printf("    %-12s plain connection, no certificate pinned\n", "TLS:")
		return
	}
	v, err := trust.NewVerifier(hostport, s.TLSFingerprint, trustOptionsFromConfig()...)
	if err != nil {
		fmt.Printf("    %-12s %s\n", "TLS:", formatNodeError(err))
		return
	}
	conn := tls.Client(raw, v.TLSConfig())
	if err := conn.HandshakeContext(ctx); err != nil {
		fmt.Printf("    %-12s FAILED: %s\n", "TLS:", formatNodeError(err))
		return
	}
	fmt.Printf("    %-12s certificate matches the pinned fingerprint\n", "TLS:")
}

func trustOptionsFromConfig() []trust.Option {
	alias, host := appCfg.Client.LoopbackAlias, appCfg.Client.LoopbackHost
	if alias == "" && host == "" {
		return nil
	}
	if alias == "" {
		alias = trust.DefaultLoopbackAlias
	}
	if host == "" {
		host = trust.DefaultLoopbackHost
	}
	return []trust.Option{trust.WithLoopbackAlias(alias, host)}
}

func torAuthStatus(s settings.SensitiveSettings) string {
	hostport, err := protocol.HostPort(s.WebSocketURL)
	if err != nil {
		return "invalid node url"
	}
	if _, err := proxy.TorClientAuthLine(hostport, s.TorClientAuthSecret); err != nil {
		return "unusable (" + err.Error() + ")"
	}
	return "stored; install with `nodelink settings tor-auth --dir <ClientOnionAuthDir>`"
}
