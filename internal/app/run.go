// Package app contains the top-level orchestration for the wirehole CLI:
// it builds a session from the parsed options and pumps stdin lines to the
// peer until either side closes.
package app

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wirehole/wirehole"
	"github.com/wirehole/wirehole/internal/util"
	"github.com/wirehole/wirehole/kvstore"
)

// Options carries the parsed CLI parameters for one session.
type Options struct {
	Mode     wirehole.SignalingMode
	Server   string // host
	Port     int
	LocalID  string
	RemoteID string // empty waits passively (relay/pubsub)

	Channel   string
	GistURL   string
	GistToken string
	Redis     string

	AuthKey string

	STUNServer   string
	TURNServer   string
	TURNUsername string
	TURNPassword string

	Transport string // "", "pseudotcp", "dtls", "sctp", "dtls+sctp"

	Debug bool
}

// Run orchestrates the full client lifecycle:
//  1. Build the session config (including the pubsub store when needed)
//  2. Connect and drive the cooperative update loop
//  3. Pump stdin lines out and print received data
//  4. Tear down on Ctrl+C or peer close
func Run(ctx context.Context, opts Options) error {
	cfg, err := buildConfig(opts)
	if err != nil {
		return err
	}

	sess, err := wirehole.New(cfg)
	if err != nil {
		return err
	}
	defer sess.Destroy()

	if err := sess.Connect(opts.RemoteID); err != nil {
		return err
	}
	util.LogInfo("connecting as %q via %s signaling", opts.LocalID, opts.Mode)

	var sent, recv atomic.Int64
	util.StartStatsReporter(ctx, func() util.Snapshot {
		return util.Snapshot{
			BytesSent:   sent.Load(),
			BytesRecv:   recv.Load(),
			Retransmits: int64(sess.Stats().Retransmits),
		}
	})

	lines := readLines(ctx)

	ticker := time.NewTicker(wirehole.DefaultUpdateInterval)
	defer ticker.Stop()

	var (
		ready   bool
		pending []byte
		buf     = make([]byte, 64*1024)
	)
	for {
		select {
		case <-ctx.Done():
			sess.Close()
			sess.Update()
			return nil

		case line, ok := <-lines:
			if !ok {
				sess.Close()
				sess.Update()
				return nil
			}
			pending = append(pending, line...)
			pending = append(pending, '\n')

		case <-ticker.C:
			sess.Update()
		}

		switch sess.State() {
		case wirehole.StateError:
			return sess.Err()
		case wirehole.StateClosed:
			util.LogInfo("peer closed the session")
			return nil
		}

		if !ready && sess.IsReady() {
			ready = true
			st := sess.Stats()
			util.LogSuccess("connected via %s path (nat: %s, rtt: %v)",
				sess.Path(), st.NatKind, st.RTT)
		}

		if ready && len(pending) > 0 {
			n := sess.Send(pending)
			if n > 0 {
				sent.Add(int64(n))
				pending = pending[n:]
			}
		}

		for {
			n := sess.Recv(buf)
			if n <= 0 {
				break
			}
			recv.Add(int64(n))
			os.Stdout.Write(buf[:n])
		}
	}
}

// buildConfig translates CLI options into a session config.
func buildConfig(opts Options) (wirehole.Config, error) {
	cfg := wirehole.Config{
		Mode:         opts.Mode,
		ServerHost:   opts.Server,
		ServerPort:   opts.Port,
		LocalPeerID:  opts.LocalID,
		Channel:      opts.Channel,
		AuthKey:      opts.AuthKey,
		STUNServer:   opts.STUNServer,
		TURNServer:   opts.TURNServer,
		TURNUsername: opts.TURNUsername,
		TURNPassword: opts.TURNPassword,
	}

	switch opts.Transport {
	case "":
	case "pseudotcp":
		cfg.UsePseudoTCP = true
	case "dtls":
		cfg.UseDTLS = true
	case "sctp":
		cfg.UseSCTP = true
	case "dtls+sctp":
		cfg.UseDTLS = true
		cfg.UseSCTP = true
	default:
		return cfg, fmt.Errorf("unknown transport %q", opts.Transport)
	}

	if opts.Mode == wirehole.ModePubsub {
		store, err := buildStore(opts)
		if err != nil {
			return cfg, err
		}
		cfg.KVStore = store
	}

	if opts.Debug {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return cfg, err
		}
		cfg.Logger = logger
	}
	return cfg, nil
}

func buildStore(opts Options) (kvstore.Store, error) {
	switch {
	case opts.GistURL != "":
		return kvstore.NewGist(opts.GistURL, opts.GistToken)
	case opts.Redis != "":
		return kvstore.NewRedis(opts.Redis, "", 0), nil
	default:
		return nil, fmt.Errorf("pubsub mode needs -gist or -redis")
	}
}

// readLines feeds stdin lines to the update loop. The channel closes on
// EOF.
func readLines(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), 64*1024)
		for scanner.Scan() {
			select {
			case out <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
