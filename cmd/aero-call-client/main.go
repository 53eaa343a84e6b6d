// Command aero-call-client is a headless client for the call relay. It keeps a
// signaling connection open, exchanges chat and file messages, places and
// answers calls with synthetic media and reads the local message history.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/config"
)

const (
	defaultServerURL = "ws://127.0.0.1:8080/ws"

	envServer = "AERO_CALL_SERVER"
	envUser   = "AERO_CALL_USER"
	envDB     = "AERO_CALL_DB"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.LookupEnv).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	server   string
	user     string
	dbPath   string
	logLevel string

	ice     config.ICEFlags
	network config.PeerNetworkFlags
	envErr  error
}

func newRootCmd(lookup func(string) (string, bool)) *cobra.Command {
	o := &rootOptions{
		server: envOr(lookup, envServer, defaultServerURL),
		user:   envOr(lookup, envUser, ""),
		dbPath: envOr(lookup, envDB, ""),
		ice:    config.ICEFlagsFromEnv(lookup),
	}
	network, err := config.PeerNetworkFlagsFromEnv(lookup)
	if err != nil {
		o.envErr = err
		network = config.PeerNetworkFlags{
			CandidateType: string(config.NAT1To1CandidateTypeHost),
			UDPListenIP:   config.DefaultWebRTCUDPListenIP,
		}
	}
	o.network = network

	root := &cobra.Command{
		Use:   "aero-call-client",
		Short: "Headless client for the call relay: messaging, calls and local history.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if o.envErr != nil {
				return o.envErr
			}
			if _, err := config.ParseLogLevel(o.logLevel); err != nil {
				return err
			}
			return nil
		},
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&o.server, "server", "s", o.server, "Signaling WebSocket URL (env "+envServer+")")
	pf.StringVarP(&o.user, "user", "u", o.user, "Username to join as (env "+envUser+")")
	pf.StringVar(&o.dbPath, "db", o.dbPath, "History database path (default aero-call-<user>.db; env "+envDB+")")
	pf.StringVar(&o.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")

	// ICE and peer network flags are shared with the relay's std flag set.
	peerFlags := flag.NewFlagSet("peer", flag.ContinueOnError)
	o.ice.Register(peerFlags)
	o.network.Register(peerFlags)
	pf.AddGoFlagSet(peerFlags)

	root.AddCommand(
		newListenCmd(o),
		newSendCmd(o),
		newSendFileCmd(o),
		newCallCmd(o),
		newHistoryCmd(o),
	)
	return root
}

func (o *rootOptions) historyPath() (string, error) {
	if o.dbPath != "" {
		return o.dbPath, nil
	}
	if o.user == "" {
		return "", errNoUser
	}
	return fmt.Sprintf("aero-call-%s.db", o.user), nil
}

func envOr(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}
