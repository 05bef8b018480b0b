package psnet

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/perfstream/anomalyd/errs"
	"github.com/perfstream/anomalyd/internal/observability"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
)

// Handler processes decoded protocol messages and produces replies.
// A nil reply means the message needs no acknowledgement.
type Handler interface {
	Handle(msg Message) (*Message, error)
}

// Server accepts websocket connections from analysis ranks and runs the
// request loop per connection.
type Server struct {
	rank    uint64
	handler Handler
}

// NewServer constructs a server delegating to the handler.
func NewServer(rank uint64, handler Handler) *Server {
	return &Server{rank: rank, handler: handler}
}

// ServeHTTP upgrades the connection and processes messages until the client
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observability.Log().Error("websocket accept failed",
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	conn.SetReadLimit(-1)
	defer conn.Close(websocket.StatusNormalClosure, "server shutdown")

	ctx := r.Context()
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return
		}
		msg, err := DecodeMessage(raw)
		if err != nil {
			observability.Log().Error("dropping malformed message",
				observability.Field{Key: "error", Value: err.Error()})
			continue
		}
		reply, err := s.handler.Handle(msg)
		if err != nil {
			observability.Log().Error("message handling failed",
				observability.Field{Key: "kind", Value: string(msg.Kind)},
				observability.Field{Key: "error", Value: err.Error()})
			continue
		}
		if reply == nil {
			continue
		}
		reply.Sender = s.rank
		reply.Receiver = msg.Sender
		reply.Type = TypeAck
		encoded, err := reply.Encode()
		if err != nil {
			observability.Log().Error("reply encoding failed",
				observability.Field{Key: "error", Value: err.Error()})
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, encoded); err != nil {
			return
		}
	}
}

// FunctionIndexRegistry assigns one global function id per function name,
// shared by all connected ranks. Grow-only for the lifetime of the server.
type FunctionIndexRegistry struct {
	mu     sync.Mutex
	byName map[string]uint64
	next   uint64
}

// NewFunctionIndexRegistry constructs an empty registry.
func NewFunctionIndexRegistry() *FunctionIndexRegistry {
	return &FunctionIndexRegistry{byName: make(map[string]uint64)}
}

// Resolve returns the global id for a function name, assigning the next free
// id on first encounter.
func (r *FunctionIndexRegistry) Resolve(name string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byName[name]; ok {
		return id
	}
	id := r.next
	r.next++
	r.byName[name] = id
	return id
}

// Size reports how many names have been registered.
func (r *FunctionIndexRegistry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName)
}

// HandleIndexMapRequest translates an index-map request payload.
func (r *FunctionIndexRegistry) HandleIndexMapRequest(payload []byte) ([]byte, error) {
	var req indexMapRequest
	if err := decodeJSON(payload, &req); err != nil {
		return nil, err
	}
	reply := indexMapReply{Mapping: make(map[string]uint64, len(req.Functions))}
	for localKey, name := range req.Functions {
		if _, err := strconv.ParseUint(localKey, 10, 64); err != nil {
			return nil, errs.New("psnet/server", errs.KindInvalidInput,
				errs.WithMessage("malformed local function id"),
				errs.WithField("key", localKey))
		}
		reply.Mapping[localKey] = r.Resolve(name)
	}
	return encodeJSON(reply)
}

// ListenAndServe runs the server on the address until the context ends.
func ListenAndServe(ctx context.Context, addr string, s *Server) error {
	httpServer := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: defaultReadHeaderTimeout}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	err := httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
