// Package rpcutil wraps net/rpc with per-call timeouts and a server
// that can coexist with others in one process.
package rpcutil

import (
	"net"
	"net/rpc"
	"time"

	"github.com/hexasan/godfs/internal/common"
)

// Call dials addr, invokes method and waits for the reply or the
// timeout, whichever comes first. Exceeding the timeout is a transient
// failure; retrying is the caller's decision.
func Call(addr, method string, args, reply any, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return err
	}
	client := rpc.NewClient(conn)
	defer client.Close()

	asyncCall := client.Go(method, args, reply, nil)
	select {
	case <-asyncCall.Done:
		return common.FromRPC(asyncCall.Error)
	case <-time.After(timeout):
		return common.ErrRPCTimeout
	}
}

// Server is a net/rpc server bound to its own listener, so multiple
// nodes can run in the same process.
type Server struct {
	rpcServer *rpc.Server
	listener  net.Listener
}

// NewServer registers rcvr under name and starts listening on addr.
// Pass ":0" ports to let the OS choose (used by tests).
func NewServer(name string, rcvr any, addr string) (*Server, error) {
	s := rpc.NewServer()
	if err := s.RegisterName(name, rcvr); err != nil {
		return nil, err
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{rpcServer: s, listener: listener}, nil
}

// NewServerWithListener registers rcvr under name on an existing
// listener. Used when the bound address must be known before the
// receiver is constructed.
func NewServerWithListener(name string, rcvr any, listener net.Listener) (*Server, error) {
	s := rpc.NewServer()
	if err := s.RegisterName(name, rcvr); err != nil {
		return nil, err
	}
	return &Server{rpcServer: s, listener: listener}, nil
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() {
	s.rpcServer.Accept(s.listener)
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Close() error {
	return s.listener.Close()
}
