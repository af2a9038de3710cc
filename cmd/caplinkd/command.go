package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/caplinkio/caplink/pkg/channel"
	"github.com/caplinkio/caplink/pkg/logging"
	"github.com/caplinkio/caplink/pkg/peernet"
	"github.com/caplinkio/caplink/pkg/wake"
)

// Command returns the caplinkd root command. The daemon listens for inbound
// peer channels, keeps reliable ordered streams to the peers it knows about,
// and logs every message it receives.
func Command() *cobra.Command {
	var (
		localID  string
		listen   string
		logLevel string
		hints    []string
	)
	cmd := &cobra.Command{
		Use:          "caplinkd",
		Short:        "reliable ordered peer messaging daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := logging.MakeBaseLogger(cmd.Context(), logLevel)
			return run(ctx, localID, listen, hints)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&localID, "id", hostID(), "identity announced to peers")
	flags.StringVar(&listen, "listen", ":9570", "address to accept peer channels on, empty for dial-only")
	flags.StringVar(&logLevel, "log-level", os.Getenv("LOG_LEVEL"), "log level (error, warning, info, debug, trace)")
	flags.StringSliceVar(&hints, "hint", nil, "static location hint as peer=host:port, repeatable")
	return cmd
}

func hostID() string {
	if hn, err := os.Hostname(); err == nil {
		return hn
	}
	return "caplinkd"
}

func run(ctx context.Context, localID, listen string, hints []string) error {
	dlog.Infof(ctx, "caplinkd %q [pid:%d]", localID, os.Getpid())

	cfg, err := peernet.LoadConfig(ctx)
	if err != nil {
		return err
	}

	factory, err := channel.NewTCPFactory(localID, listen)
	if err != nil {
		return err
	}
	if addr := factory.Addr(); addr != "" {
		dlog.Infof(ctx, "accepting peer channels on %s", addr)
	}

	net := peernet.NewNetwork(ctx, cfg, factory, logMessage)
	defer func() {
		if err := net.Stop(); err != nil {
			dlog.Errorf(ctx, "stop: %v", err)
		}
	}()

	for _, h := range hints {
		peer, addr, ok := splitHint(h)
		if !ok {
			return fmt.Errorf("bad --hint %q, want peer=host:port", h)
		}
		if err := net.RegisterLocationHints(peernet.PeerID(peer), []string{addr}); err != nil {
			return err
		}
	}

	wake.OnResume(ctx, net.ResetBackoffs)

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: true,
	})
	g.Go("acceptor", factory.Serve)
	return g.Wait()
}

func splitHint(s string) (peer, addr string, ok bool) {
	eq := strings.IndexByte(s, '=')
	if eq <= 0 || eq == len(s)-1 {
		return "", "", false
	}
	return s[:eq], s[eq+1:], true
}

// logMessage is the inbound handler of the standalone daemon.
func logMessage(ctx context.Context, peer peernet.PeerID, msg peernet.Message) error {
	dlog.Infof(ctx, "message from %s: %s (%d params)", peer, msg.Method, len(msg.Params))
	return nil
}
