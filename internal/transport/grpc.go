// ============================================================================
// Binpack gRPC Event Stream
// ============================================================================
//
// Package: internal/transport
// File: grpc.go
// Purpose: Carry named events between client and worker over one long-lived
//          gRPC bidirectional stream
//
// Wire format:
//   Every message is a google.protobuf.Struct:
//
//     { "event": "<name>", "payload": <any JSON value> }
//
//   The service is declared by hand (binpack.v1.JobEvents/Stream), so no
//   generated stubs are needed; the default proto codec handles Struct.
//
// Concurrency:
//   gRPC streams allow one concurrent sender and one concurrent receiver.
//   Sends are serialised with sendMu; Receive must only be called from a
//   single goroutine (the coordinator's receive loop, or the server handler).
//
// ============================================================================

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/binpack-coordinator/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service identifiers.
const (
	ServiceName  = "binpack.v1.JobEvents"
	streamName   = "Stream"
	streamMethod = "/" + ServiceName + "/" + streamName
)

// ErrMissingEvent is returned for a message without an event name.
var ErrMissingEvent = errors.New("message has no event name")

// StreamHandler serves one client event stream until it returns.
type StreamHandler interface {
	ServeEvents(conn *ServerConn) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StreamHandler)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    streamName,
			Handler:       serveStream,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "binpack/v1/events.proto",
}

func serveStream(srv any, stream grpc.ServerStream) error {
	return srv.(StreamHandler).ServeEvents(&ServerConn{stream: stream})
}

// RegisterEventService registers h as the event stream handler on s.
func RegisterEventService(s grpc.ServiceRegistrar, h StreamHandler) {
	s.RegisterService(&serviceDesc, h)
}

// ============================================================================
// Encoding
// ============================================================================

func encodeEnvelope(event string, payload json.RawMessage) (*structpb.Struct, error) {
	var body any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", event, err)
		}
	}
	msg, err := structpb.NewStruct(map[string]any{"event": event, "payload": body})
	if err != nil {
		return nil, fmt.Errorf("failed to build %s message: %w", event, err)
	}
	return msg, nil
}

func decodeEnvelope(msg *structpb.Struct) (types.Envelope, error) {
	fields := msg.GetFields()
	event := fields["event"].GetStringValue()
	if event == "" {
		return types.Envelope{}, ErrMissingEvent
	}

	payload := []byte("null")
	if v, ok := fields["payload"]; ok && v != nil {
		raw, err := protojson.Marshal(v)
		if err != nil {
			return types.Envelope{}, fmt.Errorf("failed to encode %s payload: %w", event, err)
		}
		payload = raw
	}
	return types.Envelope{Event: event, Payload: payload}, nil
}

func marshalPayload(event string, payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	return raw, nil
}

// ============================================================================
// Client side
// ============================================================================

// GrpcChannel is the client end of the event stream.
type GrpcChannel struct {
	conn      *grpc.ClientConn // set only when the channel owns the connection
	stream    grpc.ClientStream
	cancel    context.CancelFunc
	sendMu    sync.Mutex
	closeOnce sync.Once
}

// Dial connects to target and opens the event stream. Without options the
// connection is plaintext.
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*GrpcChannel, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to worker %s: %w", target, err)
	}

	ch, err := Open(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	ch.conn = conn
	return ch, nil
}

// Open starts the event stream on an existing connection. The stream lives
// until ctx is done or Close is called.
func Open(ctx context.Context, cc grpc.ClientConnInterface) (*GrpcChannel, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := cc.NewStream(streamCtx, &serviceDesc.Streams[0], streamMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	return &GrpcChannel{stream: stream, cancel: cancel}, nil
}

// Send encodes payload and writes it to the stream.
func (c *GrpcChannel) Send(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := marshalPayload(event, payload)
	if err != nil {
		return err
	}
	msg, err := encodeEnvelope(event, raw)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stream.SendMsg(msg); err != nil {
		return fmt.Errorf("rpc send failed: %w", err)
	}
	return nil
}

// Receive reads the next event. io.EOF means the worker closed the stream.
func (c *GrpcChannel) Receive(ctx context.Context) (types.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return types.Envelope{}, err
	}
	msg := new(structpb.Struct)
	if err := c.stream.RecvMsg(msg); err != nil {
		return types.Envelope{}, err
	}
	return decodeEnvelope(msg)
}

// CloseSend half-closes the stream. The worker finishes its jobs for this
// stream and then ends it, so Receive eventually returns io.EOF.
func (c *GrpcChannel) CloseSend() error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.CloseSend()
}

// Close half-closes the stream, cancels it and releases an owned connection.
func (c *GrpcChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		_ = c.stream.CloseSend()
		c.sendMu.Unlock()
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// ============================================================================
// Server side
// ============================================================================

// ServerConn is the worker end of one client stream.
type ServerConn struct {
	stream grpc.ServerStream
	sendMu sync.Mutex
}

// Context is cancelled when the client goes away.
func (c *ServerConn) Context() context.Context {
	return c.stream.Context()
}

// Send encodes payload and writes it to the client. Safe for concurrent use.
func (c *ServerConn) Send(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := marshalPayload(event, payload)
	if err != nil {
		return err
	}
	msg, err := encodeEnvelope(event, raw)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stream.SendMsg(msg); err != nil {
		return fmt.Errorf("rpc send failed: %w", err)
	}
	return nil
}

// Receive reads the next client event. io.EOF means the client half-closed.
func (c *ServerConn) Receive(ctx context.Context) (types.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return types.Envelope{}, err
	}
	msg := new(structpb.Struct)
	if err := c.stream.RecvMsg(msg); err != nil {
		return types.Envelope{}, err
	}
	return decodeEnvelope(msg)
}

// Close is a no-op: the stream ends when the handler returns.
func (c *ServerConn) Close() error {
	return nil
}
