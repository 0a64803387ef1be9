package feedsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/feedsync/internal/protocol"
)

// Backend is the authority store a Server answers from.
// Implemented by *store.Store.
type Backend interface {
	Append(ctx context.Context, req protocol.AppendRequest) (protocol.AppendResponse, error)
	Query(ctx context.Context, req protocol.QueryRequest) (protocol.QueryResponse, error)
	Subscribe(ctx context.Context, req protocol.SubscribeRequest) (protocol.SubscribeResponse, error)
}

// Server is the authority side of sync. It keeps no state besides its
// backend, so one Server per connection is cheap.
type Server struct {
	backend Backend
	send    SendFunc
	peerID  string
}

// NewServer creates a Server that replies through send.
func NewServer(backend Backend, send SendFunc, peerID string) *Server {
	return &Server{backend: backend, send: send, peerID: peerID}
}

// HandleMessage answers one request envelope. A failed request is answered
// with an Error envelope carrying its request id; only a failure to send the
// reply is returned.
func (s *Server) HandleMessage(ctx context.Context, env protocol.Envelope) error {
	reply, err := s.dispatch(ctx, env)
	if err != nil {
		slog.Warn("request failed",
			"request_id", env.RequestID(),
			"tag", env.Tag(),
			"sender", env.SenderPeerID,
			"error", err,
		)
		reply = &protocol.ErrorResponse{RequestID: env.RequestID(), Message: err.Error()}
	}

	if err := s.send(ctx, env.Reply(s.peerID, reply)); err != nil {
		return fmt.Errorf("reply to %s %q: %w", env.Tag(), env.RequestID(), err)
	}
	return nil
}

// HandleDecodeError answers a request whose payload could not be decoded
// with an Error envelope, using whatever request id survived. A message with
// an unknown tag is answered only when it carries a request id; undecodable
// responses are dropped.
func (s *Server) HandleDecodeError(ctx context.Context, derr *protocol.DecodeError) error {
	slog.Warn("undecodable request",
		"request_id", derr.RequestID,
		"tag", derr.Tag,
		"sender", derr.SenderPeerID,
		"error", derr.Err,
	)
	switch {
	case derr.Tag.IsRequest():
	case errors.Is(derr, protocol.ErrUnknownTag) && derr.RequestID != "":
	default:
		return nil
	}

	out := protocol.NewEnvelope(s.peerID, derr.SenderPeerID, &protocol.ErrorResponse{
		RequestID: derr.RequestID,
		Message:   derr.Error(),
	})
	if err := s.send(ctx, out); err != nil {
		return fmt.Errorf("reply to undecodable %s %q: %w", derr.Tag, derr.RequestID, err)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, env protocol.Envelope) (protocol.Payload, error) {
	switch msg := env.Payload.(type) {
	case *protocol.QueryRequest:
		resp, err := s.backend.Query(ctx, *msg)
		if err != nil {
			return nil, err
		}
		resp.RequestID = msg.RequestID
		slog.Debug("answered query",
			"request_id", msg.RequestID,
			"blocks", len(resp.Blocks),
		)
		return &resp, nil

	case *protocol.AppendRequest:
		resp, err := s.backend.Append(ctx, *msg)
		if err != nil {
			return nil, err
		}
		resp.RequestID = msg.RequestID
		slog.Debug("answered append",
			"request_id", msg.RequestID,
			"blocks", len(msg.Blocks),
		)
		return &resp, nil

	case *protocol.SubscribeRequest:
		resp, err := s.backend.Subscribe(ctx, *msg)
		if err != nil {
			return nil, err
		}
		resp.RequestID = msg.RequestID
		return &resp, nil

	case nil:
		return nil, errors.New("empty envelope")

	default:
		return nil, fmt.Errorf("unsupported message %s", env.Tag())
	}
}
