package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/agent"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/client"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/delivery"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/history"
)

const iceFetchTimeout = 5 * time.Second

var (
	errNoUser         = errors.New("--user is required")
	errConnectionLost = errors.New("connection to relay lost")
)

// hooks are the UI callbacks a subcommand installs. Nil hooks are skipped.
type hooks struct {
	onMessage    func(delivery.Message)
	onStatus     func(id string, s delivery.Status)
	onDelete     func(id string)
	onTyping     func(peer string, typing bool)
	onPresence   func(agent.Presence)
	onRelayError func(string)
	onCallEvent  func(call.Event)
}

// printer serializes output from the handler goroutines.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

// runtime is one logged-in client: connection, history, tracker, typing
// indicator and optionally a call session, bound together by an agent.
type runtime struct {
	log     *slog.Logger
	mgr     *client.Manager
	store   *history.Store
	tracker *delivery.Tracker
	typing  *delivery.Typing
	call    *call.Session
	agent   *agent.Agent

	opened   chan struct{}
	openOnce sync.Once
	lost     chan error
}

func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// openRuntime builds every client component, starts the connection and waits
// until the join has been sent.
func openRuntime(ctx context.Context, o *rootOptions, errOut io.Writer, withCall bool, h hooks) (*runtime, error) {
	if o.user == "" {
		return nil, errNoUser
	}
	log, err := newLogger(o.logLevel, errOut)
	if err != nil {
		return nil, err
	}
	path, err := o.historyPath()
	if err != nil {
		return nil, err
	}
	store, err := history.Open(path)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		log:    log,
		store:  store,
		opened: make(chan struct{}),
		lost:   make(chan error, 1),
	}
	rt.mgr = client.New(client.Config{
		URL:      o.server,
		Username: o.user,
		Logger:   log,
		OnStateChange: func(s client.State) {
			if s == client.StateOpen {
				rt.openOnce.Do(func() { close(rt.opened) })
			}
		},
		OnConnectionLost: func(err error) {
			select {
			case rt.lost <- err:
			default:
			}
		},
	})
	rt.tracker = delivery.NewTracker(delivery.TrackerConfig{
		Store:     store,
		Signaler:  rt.mgr,
		Logger:    log,
		OnMessage: h.onMessage,
		OnStatus:  h.onStatus,
		OnDelete:  h.onDelete,
	})
	rt.typing = delivery.NewTyping(delivery.DefaultTypingTimeout, h.onTyping)

	if withCall {
		sess, err := o.newCallSession(ctx, rt.mgr, log, h.onCallEvent)
		if err != nil {
			rt.typing.Close()
			store.Close()
			return nil, err
		}
		rt.call = sess
	}

	rt.agent = agent.New(agent.Config{
		Conn:         rt.mgr,
		Call:         rt.call,
		Tracker:      rt.tracker,
		Typing:       rt.typing,
		Logger:       log,
		OnPresence:   h.onPresence,
		OnRelayError: h.onRelayError,
	})

	if err := rt.mgr.Start(); err != nil {
		rt.Close()
		return nil, err
	}
	select {
	case <-rt.opened:
		return rt, nil
	case err := <-rt.lost:
		rt.Close()
		return nil, fmt.Errorf("connect %s: %w", o.server, err)
	case <-ctx.Done():
		rt.Close()
		return nil, ctx.Err()
	}
}

func (o *rootOptions) newCallSession(ctx context.Context, sig call.Signaler, log *slog.Logger, onEvent func(call.Event)) (*call.Session, error) {
	servers, err := o.iceServers(ctx, log)
	if err != nil {
		return nil, err
	}
	pn, err := o.network.Parse()
	if err != nil {
		return nil, err
	}
	api, err := call.NewAPI(pn, call.WithLoggerFactory(logging.NewDefaultLoggerFactory()))
	if err != nil {
		return nil, err
	}
	return call.NewSession(call.Config{
		Signaler: sig,
		NewPeer:  call.NewPeerFactory(api, servers),
		Media:    call.SyntheticSource{},
		Logger:   log,
		OnEvent:  onEvent,
	}), nil
}

// iceServers prefers locally configured servers and otherwise asks the relay.
// A relay without the endpoint leaves the client on host candidates only.
func (o *rootOptions) iceServers(ctx context.Context, log *slog.Logger) ([]webrtc.ICEServer, error) {
	servers, err := o.ice.Servers()
	if err != nil {
		return nil, err
	}
	if len(servers) > 0 {
		return servers, nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, iceFetchTimeout)
	defer cancel()
	servers, err = fetchICEServers(fetchCtx, http.DefaultClient, o.server)
	if err != nil {
		log.Warn("could not fetch ICE servers from relay", "err", err)
		return nil, nil
	}
	log.Debug("using relay ICE servers", "count", len(servers))
	return servers, nil
}

// wait blocks until ctx is done or the connection is lost for good.
func (rt *runtime) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-rt.lost:
		return fmt.Errorf("%w: %v", errConnectionLost, err)
	case <-rt.mgr.Done():
		return errConnectionLost
	}
}

func (rt *runtime) Close() {
	if rt.agent != nil {
		rt.agent.Close()
	} else {
		rt.typing.Close()
	}
	_ = rt.mgr.Close()
	if err := rt.store.Close(); err != nil {
		rt.log.Warn("close history", "err", err)
	}
}
