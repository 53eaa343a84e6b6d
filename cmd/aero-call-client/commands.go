package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/agent"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/delivery"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/history"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/protocol"
)

const defaultReceiptWait = 10 * time.Second

func newListenCmd(o *rootOptions) *cobra.Command {
	var (
		autoAccept bool
		focus      string
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Stay online and print messages, receipts, presence and call events.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := &printer{w: cmd.OutOrStdout()}

			var rt *runtime
			started := make(chan struct{})
			h := hooks{
				onMessage:    func(m delivery.Message) { out.printf("%s", formatMessage(m)) },
				onStatus:     func(id string, s delivery.Status) { out.printf("receipt %s %s", id, s) },
				onDelete:     func(id string) { out.printf("deleted %s", id) },
				onPresence:   func(p agent.Presence) { out.printf("online: %s", strings.Join(p.Online, ", ")) },
				onRelayError: func(msg string) { out.printf("relay error: %s", msg) },
				onTyping: func(peer string, typing bool) {
					if typing {
						out.printf("%s is typing", peer)
					} else {
						out.printf("%s stopped typing", peer)
					}
				},
				onCallEvent: func(ev call.Event) {
					printCallEvent(out, ev)
					if ev.Type != call.EventIncoming {
						return
					}
					// The event runs on the read goroutine; answering needs it free.
					go func() {
						select {
						case <-started:
						case <-ctx.Done():
							return
						}
						if autoAccept {
							if err := rt.call.Accept(ctx); err != nil {
								out.printf("accept failed: %v", err)
							}
							return
						}
						if err := rt.call.Decline(); err != nil {
							out.printf("decline failed: %v", err)
						}
					}()
				},
			}

			var err error
			rt, err = openRuntime(ctx, o, cmd.ErrOrStderr(), true, h)
			if err != nil {
				return err
			}
			defer rt.Close()
			close(started)
			out.printf("listening as %s", o.user)

			if focus != "" {
				if err := rt.tracker.Focus(ctx, focus); err != nil {
					return err
				}
			}
			return rt.wait(ctx)
		},
	}
	cmd.Flags().BoolVar(&autoAccept, "auto-accept", false, "Answer incoming calls instead of declining them")
	cmd.Flags().StringVar(&focus, "focus", "", "Treat the conversation with this user as open and send read receipts")
	return cmd
}

func newSendCmd(o *rootOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "send <to> <text...>",
		Short: "Send a chat message and wait for the relay to accept it.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			return sendAndWait(cmd, o, wait, func(ctx context.Context, t *delivery.Tracker) (delivery.Message, error) {
				return t.SendChat(ctx, args[0], text)
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", defaultReceiptWait, "How long to wait for a queued or delivered receipt (0 = don't wait)")
	return cmd
}

func newSendFileCmd(o *rootOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "send-file <to> <path>",
		Short: "Send a file inline as a data URL.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			name := filepath.Base(args[1])
			fileType := mime.TypeByExtension(filepath.Ext(name))
			return sendAndWait(cmd, o, wait, func(ctx context.Context, t *delivery.Tracker) (delivery.Message, error) {
				return t.SendFile(ctx, args[0], name, fileType, data)
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", defaultReceiptWait, "How long to wait for a queued or delivered receipt (0 = don't wait)")
	return cmd
}

type receipt struct {
	id     string
	status delivery.Status
}

func sendAndWait(cmd *cobra.Command, o *rootOptions, wait time.Duration, send func(context.Context, *delivery.Tracker) (delivery.Message, error)) error {
	ctx := cmd.Context()
	out := &printer{w: cmd.OutOrStdout()}
	receipts := make(chan receipt, 8)
	relayErrs := make(chan string, 1)

	rt, err := openRuntime(ctx, o, cmd.ErrOrStderr(), false, hooks{
		onStatus: func(id string, s delivery.Status) {
			select {
			case receipts <- receipt{id: id, status: s}:
			default:
			}
		},
		onRelayError: func(msg string) {
			select {
			case relayErrs <- msg:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	m, err := send(ctx, rt.tracker)
	if err != nil {
		return err
	}
	out.printf("sent %s to %s", m.ID, m.Peer)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case r := <-receipts:
			if r.id == m.ID && r.status >= delivery.StatusQueued {
				out.printf("%s %s", m.ID, r.status)
				return nil
			}
		case msg := <-relayErrs:
			return fmt.Errorf("relay: %s", msg)
		case <-timer.C:
			out.printf("%s still %s after %s", m.ID, delivery.StatusSent, wait)
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func newCallCmd(o *rootOptions) *cobra.Command {
	var (
		video    bool
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call <to>",
		Short: "Call a user with synthetic media and hang up after --duration or on interrupt.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := &printer{w: cmd.OutOrStdout()}
			events := make(chan call.Event, 32)

			rt, err := openRuntime(ctx, o, cmd.ErrOrStderr(), true, hooks{
				onRelayError: func(msg string) { out.printf("relay error: %s", msg) },
				onCallEvent: func(ev call.Event) {
					select {
					case events <- ev:
					default:
					}
				},
			})
			if err != nil {
				return err
			}
			defer rt.Close()

			callType := protocol.CallTypeAudio
			if video {
				callType = protocol.CallTypeVideo
			}
			if err := rt.call.Start(ctx, args[0], callType); err != nil {
				return err
			}
			return runCall(ctx, out, rt, events, duration)
		},
	}
	cmd.Flags().BoolVar(&video, "video", false, "Place a video call")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Hang up this long after the call connects (0 = until interrupted)")
	return cmd
}

func runCall(ctx context.Context, out *printer, rt *runtime, events <-chan call.Event, duration time.Duration) error {
	var hangup <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			_ = rt.call.Hangup()
			out.printf("hung up")
			return nil
		case <-hangup:
			_ = rt.call.Hangup()
			out.printf("hung up after %s", duration)
			return nil
		case err := <-rt.lost:
			return fmt.Errorf("%w: %v", errConnectionLost, err)
		case ev := <-events:
			printCallEvent(out, ev)
			switch ev.Type {
			case call.EventRejected:
				return fmt.Errorf("call rejected: %s", ev.Reason)
			case call.EventFailed:
				return ev.Err
			case call.EventStateChanged:
				switch ev.State {
				case call.StateActive:
					if duration > 0 && hangup == nil {
						t := time.NewTimer(duration)
						defer t.Stop()
						hangup = t.C
					}
				case call.StateIdle:
					return callEndReason(out, events)
				}
			}
		}
	}
}

// callEndReason picks up the rejected or failed event that is emitted right
// after the transition to idle, if there is one.
func callEndReason(out *printer, events <-chan call.Event) error {
	select {
	case ev := <-events:
		printCallEvent(out, ev)
		switch ev.Type {
		case call.EventRejected:
			return fmt.Errorf("call rejected: %s", ev.Reason)
		case call.EventFailed:
			return ev.Err
		}
	case <-time.After(100 * time.Millisecond):
	}
	out.printf("call ended")
	return nil
}

func newHistoryCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history [peer]",
		Short: "List conversations, or the messages exchanged with one user.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path, err := o.historyPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("no history at %s", path)
				}
				return err
			}
			store, err := history.Open(path)
			if err != nil {
				return err
			}
			defer store.Close()

			out := &printer{w: cmd.OutOrStdout()}
			if len(args) == 0 {
				peers, err := store.Peers(ctx)
				if err != nil {
					return err
				}
				for _, p := range peers {
					out.printf("%s", p)
				}
				return nil
			}
			msgs, err := store.ListByConversation(ctx, args[0])
			if err != nil {
				return err
			}
			for _, m := range msgs {
				out.printf("%s", formatMessage(m))
			}
			return nil
		},
	}
}

func formatMessage(m delivery.Message) string {
	ts := time.UnixMilli(m.Timestamp).Format(time.DateTime)
	dir := "<-"
	if m.Outgoing {
		dir = "->"
	}
	body := m.Text
	if m.Kind == delivery.KindFile {
		body = fmt.Sprintf("[file %s, %d bytes, %s]", m.FileName, m.FileSize, m.FileType)
	}
	return fmt.Sprintf("%s %s %s [%s] %s", ts, dir, m.Peer, m.Status, body)
}

func printCallEvent(out *printer, ev call.Event) {
	switch ev.Type {
	case call.EventStateChanged:
		out.printf("call %s", ev.State)
	case call.EventIncoming:
		out.printf("incoming %s call from %s", ev.CallType, ev.Peer)
	case call.EventRejected:
		out.printf("call rejected by %s: %s", ev.Peer, ev.Reason)
	case call.EventBusy:
		out.printf("refused call from %s: busy", ev.Peer)
	case call.EventFailed:
		out.printf("call failed: %v", ev.Err)
	case call.EventRemoteVideo:
		out.printf("%s turned video %s", ev.Peer, onOff(ev.Enabled))
	case call.EventRemoteTrack:
		out.printf("receiving %s from %s", ev.Kind, ev.Peer)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
