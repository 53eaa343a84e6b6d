package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/offline"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/protocol"
)

type deliveryMode int

const (
	// deliverLive frames are dropped when the recipient is offline.
	deliverLive deliveryMode = iota
	// deliverStoreAndForward frames are queued for registered offline users.
	deliverStoreAndForward
)

// routeFor classifies a relayed frame type. Types outside both classes are
// not relayed at all.
func routeFor(t protocol.MessageType) (deliveryMode, bool) {
	switch {
	case t.IsStoreAndForward():
		return deliverStoreAndForward, true
	case t.IsRealtime():
		return deliverLive, true
	default:
		return 0, false
	}
}

func (s *Server) dispatch(c *wsConn, data []byte) {
	f, err := protocol.ParseFrame(data)
	if err != nil {
		s.metrics.Inc(metrics.FramesMalformed)
		c.log.Debug("malformed frame", "err", err)
		c.sendError(fmt.Sprintf("invalid message: %v", err))
		return
	}

	switch f.Type {
	case protocol.TypeJoin:
		s.handleJoin(c, f)
	case protocol.TypeLeave:
		s.handleLeave(c)
	case protocol.TypePing:
		s.metrics.Inc(metrics.PingsAnswered)
		_ = c.sendJSON(protocol.Pong{Type: protocol.TypePong})
	case protocol.TypePong:
	default:
		mode, ok := routeFor(f.Type)
		if !ok {
			s.metrics.Inc(metrics.FramesUnknownType)
			c.log.Debug("ignoring unknown frame type", "type", f.Type)
			return
		}
		s.route(c, f, mode)
	}
}

func (s *Server) handleJoin(c *wsConn, f protocol.Frame) {
	var msg protocol.Join
	if err := f.Decode(&msg); err != nil || msg.Username == "" {
		c.sendError("join requires a username")
		return
	}

	s.routeMu.Lock()
	if prev, ok := s.registry.Username(c); ok && prev != msg.Username {
		s.calls.end(prev)
	}
	evicted := s.registry.Join(c, msg.Username)
	if evicted != nil {
		s.calls.end(msg.Username)
	}
	replayed, drainErr := s.queue.DrainTo(msg.Username, func(frame []byte) error {
		return c.sendReplay(msg.Username, frame)
	})
	s.routeMu.Unlock()

	s.metrics.Inc(metrics.Joins)
	s.metrics.Add(metrics.FramesReplayed, uint64(replayed))
	c.log.Info("user joined", "username", msg.Username, "replayed", replayed)
	if drainErr != nil {
		c.log.Warn("offline replay interrupted", "username", msg.Username, "err", drainErr)
	}
	if evicted != nil {
		s.metrics.Inc(metrics.ConnEvicted)
		c.log.Info("username taken over by new connection", "username", msg.Username, "evicted_conn_id", evicted.ID())
	}

	s.broadcastPresence()
}

func (s *Server) handleLeave(c *wsConn) {
	s.routeMu.Lock()
	username, ok := s.registry.Leave(c)
	if ok {
		s.calls.end(username)
	}
	s.routeMu.Unlock()

	if ok {
		s.metrics.Inc(metrics.Leaves)
		c.log.Info("user left", "username", username)
	}
	s.broadcastPresence()
}

// route forwards a frame with "from" set to the sender's joined identity.
func (s *Server) route(c *wsConn, f protocol.Frame, mode deliveryMode) {
	from, ok := s.registry.Username(c)
	if !ok {
		s.metrics.Inc(metrics.FramesAnonymous)
		c.sendError("join required")
		return
	}
	if f.To == "" {
		c.sendError(fmt.Sprintf("%s requires a recipient", f.Type))
		return
	}
	out := f.WithFrom(from)

	s.routeMu.Lock()
	defer s.routeMu.Unlock()

	if f.Type == protocol.TypeOffer && !isUpgradeOffer(f) && s.calls.busy(f.To, from) {
		s.metrics.Inc(metrics.BusyRejects)
		c.log.Debug("rejecting offer to busy user", "from", from, "to", f.To)
		_ = c.sendJSON(protocol.Reject{
			Type:   protocol.TypeReject,
			To:     from,
			From:   f.To,
			Reason: protocol.ReasonBusy,
		})
		return
	}

	data, err := out.MarshalJSON()
	if err != nil {
		c.log.Error("encode frame", "type", f.Type, "err", err)
		return
	}

	delivered := false
	if dst, ok := s.registry.Resolve(f.To); ok && dst.Send(data) == nil {
		delivered = true
		s.metrics.Inc(metrics.FramesRelayed)
	}
	s.observeCall(f.Type, from, f.To, delivered)
	if delivered {
		return
	}

	if mode == deliverLive {
		s.metrics.Inc(metrics.FramesDroppedOffline)
		c.log.Debug("dropping frame for offline recipient", "type", f.Type, "to", f.To)
		return
	}
	s.enqueueOffline(c, out, f.To)
}

func (s *Server) enqueueOffline(c *wsConn, f protocol.Frame, to string) {
	if !f.Has("timestamp") {
		stamped, err := f.With("timestamp", s.now().UnixMilli())
		if err == nil {
			f = stamped
		}
	}
	data, err := f.MarshalJSON()
	if err != nil {
		c.log.Error("encode frame", "type", f.Type, "err", err)
		return
	}

	dropped, err := s.queue.Enqueue(to, data)
	if errors.Is(err, offline.ErrUnknownRecipient) {
		s.metrics.Inc(metrics.QueueUnknownDrops)
		c.log.Debug("dropping frame for unknown recipient", "type", f.Type, "to", to)
		return
	}
	if err != nil {
		c.log.Error("enqueue offline frame", "to", to, "err", err)
		return
	}
	s.metrics.Inc(metrics.FramesQueued)
	if dropped > 0 {
		s.metrics.Add(metrics.QueueOverflowDrops, uint64(dropped))
		c.log.Warn("offline queue full; dropped oldest frames", "to", to, "dropped", dropped)
	}

	_ = c.sendJSON(protocol.MessageQueued{
		Type:      protocol.TypeMessageQueued,
		MessageID: f.MessageID,
		To:        to,
	})
}

func (s *Server) observeCall(typ protocol.MessageType, from, to string, delivered bool) {
	switch typ {
	case protocol.TypeAnswer:
		if delivered {
			s.calls.start(from, to)
		}
	case protocol.TypeHangup, protocol.TypeReject:
		s.calls.endPair(from, to)
	}
}

func isUpgradeOffer(f protocol.Frame) bool {
	raw, ok := f.Field("isUpgrade")
	if !ok {
		return false
	}
	var v bool
	return json.Unmarshal(raw, &v) == nil && v
}
