package guirpc

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// HTTPServer is the HTTP-compatible control transport: same ops and
// dispatcher as the socket transport, with CORS for browser consoles
// and a header-based auth scheme.
type HTTPServer struct {
	srv *Server
	hub *Hub
}

// NewHTTPServer wraps a dispatcher and an optional notice push hub.
func NewHTTPServer(srv *Server, hub *Hub) *HTTPServer {
	return &HTTPServer{srv: srv, hub: hub}
}

// Router builds the chi router for the HTTP transport.
func (h *HTTPServer) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Auth-ID", "Auth-Seqno", "Auth-Hash"},
		MaxAge:         300,
	}))

	r.Post("/auth", h.handleAuthID)
	r.Post("/rpc", h.handleRPC)
	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}
	// The raw protocol's GET surface is not served over HTTP.
	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "GET not allowed", http.StatusForbidden)
	})
	return r
}

// handleAuthID issues an auth id for the header auth scheme.
func (h *HTTPServer) handleAuthID(w http.ResponseWriter, r *http.Request) {
	id := h.srv.IssueAuthID()
	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprintf(w, "<auth_id>%s</auth_id>", id)
}

func (h *HTTPServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil || len(body) == 0 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	sess := NewSession(requestIsLocal(r), h.srv.PasswordSet())
	if !sess.Authenticated && h.headerAuthOK(r) {
		sess.Authenticated = true
	}

	reply, derr := h.srv.Dispatch(sess, body)
	if derr != nil && reply == "<unauthorized/>" {
		// HTTP is stateless; connection closure maps to 401.
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprintf(w, "<boinc_gui_rpc_reply>\n%s\n</boinc_gui_rpc_reply>\n", reply)
}

// headerAuthOK validates the Auth-ID / Auth-Seqno / Auth-Hash header
// triple: the hash proves knowledge of the password, and the seqno
// must strictly increase per id to stop replays.
func (h *HTTPServer) headerAuthOK(r *http.Request) bool {
	id := r.Header.Get("Auth-ID")
	seqnoStr := r.Header.Get("Auth-Seqno")
	hash := r.Header.Get("Auth-Hash")
	if id == "" || seqnoStr == "" || hash == "" {
		return false
	}
	seqno, err := strconv.ParseInt(seqnoStr, 10, 64)
	if err != nil {
		return false
	}
	return h.srv.VerifyHeaderAuth(id, seqno, hash)
}

// IssueAuthID mints an id for the HTTP header auth scheme.
func (s *Server) IssueAuthID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAuthID++
	id := strconv.FormatInt(s.nextAuthID, 10)
	s.authIDs[id] = 0
	return id
}

// VerifyHeaderAuth checks one header-auth triple.
func (s *Server) VerifyHeaderAuth(id string, seqno int64, hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.authIDs[id]
	if !ok || seqno <= last {
		return false
	}
	sum := md5.Sum([]byte(id + strconv.FormatInt(seqno, 10) + s.password))
	if hex.EncodeToString(sum[:]) != hash {
		return false
	}
	s.authIDs[id] = seqno
	return true
}

func requestIsLocal(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
