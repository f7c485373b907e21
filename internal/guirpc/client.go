package guirpc

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Client speaks the framed socket protocol; used by the command-line
// console.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to a control socket.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to client: %w", err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Close drops the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends one op and returns the reply fragment with the envelope
// stripped.
func (c *Client) Do(op, body string) (string, error) {
	req := "<boinc_gui_rpc_request><" + op + ">" + body + "</" + op + "></boinc_gui_rpc_request>"
	if _, err := c.conn.Write(append([]byte(req), sentinel)); err != nil {
		return "", err
	}
	reply, err := c.r.ReadBytes(sentinel)
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(string(reply[:len(reply)-1]))
	out = strings.TrimPrefix(out, "<boinc_gui_rpc_reply>")
	out = strings.TrimSuffix(out, "</boinc_gui_rpc_reply>")
	return strings.TrimSpace(out), nil
}

// Authenticate runs the auth1/auth2 handshake.
func (c *Client) Authenticate(password string) error {
	reply, err := c.Do("auth1", "")
	if err != nil {
		return err
	}
	nonce := extractTag(reply, "nonce")
	if nonce == "" {
		return errors.New("no nonce in auth1 reply")
	}
	reply, err = c.Do("auth2", "<nonce_hash>"+NonceHash(nonce, password)+"</nonce_hash>")
	if err != nil {
		return err
	}
	if !strings.Contains(reply, "<authorized/>") {
		return errors.New("authentication rejected")
	}
	return nil
}

// extractTag pulls one element's text out of a reply fragment.
func extractTag(s, tag string) string {
	openTag, closeTag := "<"+tag+">", "</"+tag+">"
	i := strings.Index(s, openTag)
	j := strings.Index(s, closeTag)
	if i < 0 || j < 0 || j < i {
		return ""
	}
	return s[i+len(openTag) : j]
}
