package telegram

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/relaykit/sessiond/internal/provider"
)

// gatewayFrame is the single envelope both directions of the gateway speak.
type gatewayFrame struct {
	Type   string `json:"type"`
	Error  string `json:"error,omitempty"`
	ID     string `json:"id,omitempty"`
	PeerID string `json:"peer_id,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Text   string `json:"text,omitempty"`
	Audio  string `json:"audio,omitempty"` // base64
}

// session is one live websocket connection to the bridge gateway. The read
// loop owns the events channel; writes share the connection behind a mutex.
type session struct {
	transport *Transport
	conn      *websocket.Conn
	events    chan provider.Event
	done      chan struct{}

	writeMu sync.Mutex

	mu     sync.Mutex
	err    error
	closed bool
}

func (t *Transport) openSession(ctx context.Context, sessionMaterial string) (provider.Handle, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.cfg.GatewayWS, nil)
	if err != nil {
		return nil, fmt.Errorf("dial telegram gateway: %w", err)
	}

	auth := gatewayFrame{Type: "auth", Text: sessionMaterial}
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send gateway auth: %w", err)
	}

	var hello gatewayFrame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read gateway hello: %w", err)
	}
	switch hello.Type {
	case "hello":
	case "error":
		conn.Close()
		return nil, mapAPIError(hello.Error)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected gateway frame %q before hello", hello.Type)
	}

	s := &session{
		transport: t,
		conn:      conn,
		events:    make(chan provider.Event, 32),
		done:      make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *session) readLoop() {
	defer close(s.events)
	for {
		var frame gatewayFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			s.fail(err)
			return
		}
		switch frame.Type {
		case "ping":
			if err := s.writeFrame(gatewayFrame{Type: "pong"}); err != nil {
				s.fail(err)
				return
			}
		case "error":
			s.fail(mapAPIError(frame.Error))
			return
		case "message":
			event := provider.Event{
				ExternalMsgID: frame.ID,
				PeerID:        frame.PeerID,
				Kind:          frame.Kind,
				Text:          frame.Text,
			}
			if frame.Audio != "" {
				if audio, err := base64.StdEncoding.DecodeString(frame.Audio); err == nil {
					event.Audio = audio
				} else {
					s.transport.logger.Warn("bad audio payload, dropping", "external_msg_id", frame.ID)
				}
			}
			select {
			case s.events <- event:
			case <-s.done:
				return
			}
		default:
			s.transport.logger.Debug("ignoring gateway frame", "type", frame.Type)
		}
	}
}

func (s *session) Send(ctx context.Context, peerID string, out provider.Outgoing) error {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return fmt.Errorf("peer id is required")
	}
	frame := gatewayFrame{Type: "send", PeerID: peerID, Text: out.Text}
	if len(out.Audio) > 0 {
		frame.Kind = "voice"
		frame.Audio = base64.StdEncoding.EncodeToString(out.Audio)
	}
	if err := s.writeFrame(frame); err != nil {
		return fmt.Errorf("send via gateway: %w", err)
	}
	return nil
}

func (s *session) Events() <-chan provider.Event { return s.events }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Disconnect is idempotent. The read loop unblocks on the closed socket and
// closes the events channel.
func (s *session) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	return s.conn.Close()
}

func (s *session) writeFrame(frame gatewayFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(frame)
}

// fail records the first read error unless the session was deliberately
// closed, in which case the nil error signals a clean shutdown.
func (s *session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.err != nil {
		return
	}
	s.err = err
}
