// Wirehole CLI entry point.
//
// This tool establishes a P2P datagram session with a remote peer (direct
// hole punch where the NATs allow it, server relay where they do not) and
// pipes stdin/stdout across it.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-mode, -server, -id, -peer, ...).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pterm/pterm"

	"github.com/wirehole/wirehole"
	"github.com/wirehole/wirehole/internal/app"
	"github.com/wirehole/wirehole/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	mode := flag.String("mode", "", "Signaling mode: compact, relay or pubsub")
	server := flag.String("server", "", "Rendezvous server (host:port, compact/relay modes)")
	localID := flag.String("id", "", "Local peer id (max 32 bytes)")
	remoteID := flag.String("peer", "", "Remote peer id (empty waits passively, relay/pubsub only)")
	channel := flag.String("channel", "", "Pubsub channel name (defaults to the sorted id pair)")
	gistURL := flag.String("gist", "", "Gist-style HTTPS endpoint for pubsub signaling")
	gistToken := flag.String("gist-token", "", "Bearer token for the gist endpoint")
	redisAddr := flag.String("redis", "", "Redis address for pubsub signaling (host:port)")
	authKey := flag.String("key", "", "Shared auth key (seals pubsub payloads, keys DTLS)")
	stunServer := flag.String("stun", "", "STUN server for srflx candidates (host:port)")
	turnServer := flag.String("turn", "", "TURN server for relay candidates (host:port)")
	turnUser := flag.String("turn-user", "", "TURN username")
	turnPass := flag.String("turn-pass", "", "TURN password")
	transport := flag.String("transport", "", "Transport plug-in: pseudotcp, dtls, sctp or dtls+sctp")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Wirehole v%s", version))
	pterm.Println()

	opts := app.Options{
		LocalID:      *localID,
		RemoteID:     *remoteID,
		Channel:      *channel,
		GistURL:      *gistURL,
		GistToken:    *gistToken,
		Redis:        *redisAddr,
		AuthKey:      *authKey,
		STUNServer:   *stunServer,
		TURNServer:   *turnServer,
		TURNUsername: *turnUser,
		TURNPassword: *turnPass,
		Transport:    *transport,
		Debug:        *debugMode,
	}

	if *mode == "" {
		// No -mode flag → interactive mode.
		runInteractive(ctx, opts)
		return
	}

	m, err := parseMode(*mode)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	opts.Mode = m

	if opts.LocalID == "" {
		opts.LocalID = generateID()
		util.LogInfo("no -id given, using %q", opts.LocalID)
	}
	if m != wirehole.ModePubsub {
		host, port, err := parseServer(*server)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		opts.Server, opts.Port = host, port
	}

	run(ctx, opts)
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive falls back to prompts when no -mode flag is provided.
func runInteractive(ctx context.Context, opts app.Options) {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Compact - UDP rendezvous server",
			"Relay   - TCP rendezvous server",
			"Pubsub  - shared key/value store",
		}).
		WithDefaultText("Select a signaling mode").
		Show()
	pterm.Println()

	switch {
	case strings.HasPrefix(choice, "Compact"):
		opts.Mode = wirehole.ModeCompact
	case strings.HasPrefix(choice, "Relay"):
		opts.Mode = wirehole.ModeRelay
	default:
		opts.Mode = wirehole.ModePubsub
	}

	opts.LocalID = askOptional("Local peer id (empty generates one)")
	if opts.LocalID == "" {
		opts.LocalID = generateID()
		util.LogInfo("using generated peer id %q", opts.LocalID)
	}
	if opts.Mode == wirehole.ModeCompact {
		opts.RemoteID = askText("Remote peer id")
	} else if opts.RemoteID == "" {
		opts.RemoteID = askOptional("Remote peer id (empty waits for an incoming offer)")
	}

	switch opts.Mode {
	case wirehole.ModePubsub:
		if opts.GistURL == "" && opts.Redis == "" {
			opts.GistURL = askText("Gist-style HTTPS endpoint")
			opts.GistToken = askOptional("Bearer token (empty for none)")
		}
		if opts.RemoteID == "" && opts.Channel == "" {
			opts.Channel = askText("Channel name")
		}
	default:
		opts.Server, opts.Port = askServer()
	}

	run(ctx, opts)
}

func run(ctx context.Context, opts app.Options) {
	if err := app.Run(ctx, opts); err != nil {
		util.LogError("session failed: %v", err)
		os.Exit(1)
	}
	util.LogInfo("session closed cleanly")
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// generateID derives a short random peer id. Peer ids are capped at 32
// bytes, so only the first UUID group is kept.
func generateID() string {
	return "peer-" + uuid.NewString()[:8]
}

func parseMode(raw string) (wirehole.SignalingMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "compact":
		return wirehole.ModeCompact, nil
	case "relay":
		return wirehole.ModeRelay, nil
	case "pubsub":
		return wirehole.ModePubsub, nil
	}
	return 0, fmt.Errorf("invalid -mode %q: must be compact, relay or pubsub", raw)
}

func parseServer(raw string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(raw))
	if err != nil {
		return "", 0, fmt.Errorf("invalid -server %q: want host:port", raw)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid -server port %q", portStr)
	}
	return host, port, nil
}

// askText prompts until a non-empty value is entered.
func askText(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if v := strings.TrimSpace(raw); v != "" {
			pterm.Println()
			return v
		}
		util.LogWarning("a value is required")
		pterm.Println()
	}
}

// askOptional prompts once and accepts empty input.
func askOptional(prompt string) string {
	raw, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText(prompt).
		Show()
	pterm.Println()
	return strings.TrimSpace(raw)
}

// askServer prompts for a host:port pair until a valid one is entered.
func askServer() (string, int) {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Rendezvous server (host:port)").
			Show()

		host, port, err := parseServer(raw)
		if err == nil {
			pterm.Println()
			return host, port
		}
		util.LogWarning("%v", err)
		pterm.Println()
	}
}
