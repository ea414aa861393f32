package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Subprotocol is offered by dialers and required by listeners.
const Subprotocol = "wire.ws"

const closeGrace = time.Second

// conn turns a message oriented websocket into a byte stream: each Write
// is one binary message and Read drains messages in order. One goroutine
// may read while another writes.
type conn struct {
	ws       *websocket.Conn
	resource string
	r        io.Reader
	once     sync.Once
	closeErr error
}

func newConn(ws *websocket.Conn, resource string) *conn {
	return &conn{ws: ws, resource: resource}
}

func (c *conn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				return 0, streamError(err)
			}
			if mt != websocket.BinaryMessage {
				return 0, fmt.Errorf("unexpected websocket message type %d", mt)
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		if err != nil {
			return n, streamError(err)
		}
		return n, nil
	}
}

func (c *conn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, streamError(err)
	}
	return len(p), nil
}

// Close sends a close frame and closes the socket. WriteControl may run
// concurrently with the reader and writer.
func (c *conn) Close() error {
	c.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// streamError reports a peer's close frame as end of stream.
func streamError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Errorf("websocket closed (%d %s): %w", ce.Code, ce.Text, io.EOF)
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return net.ErrClosed
	}
	return err
}

// dial performs the HTTP upgrade.
func dial(ctx context.Context, url string, source *net.TCPAddr, timeout time.Duration, resource string) (*conn, error) {
	nd := &net.Dialer{}
	if source != nil {
		nd.LocalAddr = source
	}
	d := websocket.Dialer{
		NetDialContext:   nd.DialContext,
		HandshakeTimeout: timeout,
		Subprotocols:     []string{Subprotocol},
	}
	ws, resp, err := d.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}
	return newConn(ws, resource), nil
}

// listener serves upgrades for one resource and hands the connections to
// Accept.
type listener struct {
	ln       net.Listener
	srv      *http.Server
	log      *zap.Logger
	resource string

	conns chan *conn
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

func listen(addr, resource string, log *zap.Logger) (*listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &listener{
		ln:       ln,
		log:      log,
		resource: resource,
		conns:    make(chan *conn),
		done:     make(chan struct{}),
	}
	l.srv = &http.Server{Handler: http.HandlerFunc(l.upgrade), ReadHeaderTimeout: 10 * time.Second}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("websocket server stopped", zap.Error(err))
		}
	}()
	return l, nil
}

var upgrader = websocket.Upgrader{
	Subprotocols: []string{Subprotocol},
	// Peers are not browsers.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (l *listener) upgrade(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != l.resource {
		http.NotFound(w, r)
		return
	}
	if !slices.Contains(websocket.Subprotocols(r), Subprotocol) {
		http.Error(w, "missing "+Subprotocol+" subprotocol", http.StatusBadRequest)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	c := newConn(ws, l.resource)
	select {
	case l.conns <- c:
	case <-l.done:
		_ = c.Close()
	}
}

func (l *listener) Port() int {
	if ta, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return ta.Port
	}
	return 0
}

func (l *listener) Accept() (io.ReadWriteCloser, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close stops the server. Upgrades still in flight close their connection.
func (l *listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.srv.Close()
		l.wg.Wait()
	})
	return err
}
