package guirpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/gridpulse/gridpulse/internal/core"
)

// sentinel terminates every request and reply on the raw socket
// transport.
const sentinel = byte(0x03)

// maxRequestBytes bounds a single framed request.
const maxRequestBytes = 1 << 20

// SocketServer serves the framed local control protocol on TCP.
type SocketServer struct {
	srv         *Server
	allowRemote bool

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
}

// NewSocketServer wraps a dispatcher.
func NewSocketServer(srv *Server, allowRemote bool) *SocketServer {
	return &SocketServer{
		srv:         srv,
		allowRemote: allowRemote,
		conns:       make(map[net.Conn]struct{}),
	}
}

// Listen binds the control port. With allowRemote unset only loopback
// is bound.
func (ss *SocketServer) Listen(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	if ss.allowRemote {
		addr = fmt.Sprintf(":%d", port)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind control port: %w", err)
	}
	ss.mu.Lock()
	ss.listener = ln
	ss.mu.Unlock()
	return nil
}

// Addr returns the bound address, nil before Listen.
func (ss *SocketServer) Addr() net.Addr {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.listener == nil {
		return nil
	}
	return ss.listener.Addr()
}

// Serve accepts connections until the context is cancelled or the
// listener is closed.
func (ss *SocketServer) Serve(ctx context.Context) error {
	ss.mu.Lock()
	ln := ss.listener
	ss.mu.Unlock()
	if ln == nil {
		return errors.New("serve before listen")
	}

	go func() {
		<-ctx.Done()
		ss.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		ss.track(conn)
		go ss.handleConn(conn)
	}
}

// Close stops the listener and drops every open connection.
func (ss *SocketServer) Close() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.listener != nil {
		ss.listener.Close()
	}
	for c := range ss.conns {
		c.Close()
	}
}

func (ss *SocketServer) track(c net.Conn) {
	ss.mu.Lock()
	ss.conns[c] = struct{}{}
	ss.mu.Unlock()
}

func (ss *SocketServer) untrack(c net.Conn) {
	ss.mu.Lock()
	delete(ss.conns, c)
	ss.mu.Unlock()
}

func (ss *SocketServer) handleConn(conn net.Conn) {
	defer conn.Close()
	defer ss.untrack(conn)

	sess := NewSession(isLoopback(conn.RemoteAddr()), ss.srv.PasswordSet())
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		req, err := r.ReadBytes(sentinel)
		if err != nil {
			return
		}
		if len(req) > maxRequestBytes {
			return
		}
		req = req[:len(req)-1]

		reply, derr := ss.srv.Dispatch(sess, req)
		if err := writeReply(w, reply); err != nil {
			return
		}
		if derr != nil {
			if !errors.Is(derr, core.ErrConnectionClose) {
				ss.srv.log.Warn("control connection error: %v", derr)
			}
			return
		}
	}
}

func writeReply(w *bufio.Writer, fragment string) error {
	if _, err := w.WriteString("<boinc_gui_rpc_reply>\n" + fragment + "\n</boinc_gui_rpc_reply>\n"); err != nil {
		return err
	}
	if err := w.WriteByte(sentinel); err != nil {
		return err
	}
	return w.Flush()
}

func isLoopback(addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	host = strings.Trim(host, "[]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
