package ipc

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	logx "taskd/pkg/logx"
)

const defaultRequestTimeout = 10 * time.Second

// Request is one authenticated message waiting for the scheduler loop.
type Request struct {
	Msg   Message
	reply chan Message
}

// Reply answers the request. Only the first call has an effect.
func (r Request) Reply(m Message) {
	select {
	case r.reply <- m:
	default:
	}
}

// NewRequest builds a request outside of a connection. Tests and in-process
// callers read the answer from the returned channel.
func NewRequest(m Message) (Request, <-chan Message) {
	ch := make(chan Message, 1)
	return Request{Msg: m, reply: ch}, ch
}

type ServerConfig struct {
	Socket  string
	Key     []byte
	Timeout time.Duration // per connection, read to write
}

// Server accepts one message per connection on a unix socket and hands it
// to a single consumer through Requests.
type Server struct {
	cfg ServerConfig
	log logx.Logger
	ln  net.Listener

	requests chan Request

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Listen binds the socket, replacing a stale one left by a crashed run.
func Listen(cfg ServerConfig, log logx.Logger) (*Server, error) {
	if len(cfg.Key) == 0 {
		return nil, errors.New("ipc: key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Socket), 0o700); err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.Socket); err == nil {
		if c, derr := net.DialTimeout("unix", cfg.Socket, 200*time.Millisecond); derr == nil {
			_ = c.Close()
			return nil, errors.New("ipc: socket in use: " + cfg.Socket)
		}
		_ = os.Remove(cfg.Socket)
	}
	ln, err := net.Listen("unix", cfg.Socket)
	if err != nil {
		return nil, err
	}
	_ = os.Chmod(cfg.Socket, 0o600)
	return &Server{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "ipc")),
		ln:       ln,
		requests: make(chan Request),
	}, nil
}

func (s *Server) Addr() string { return s.cfg.Socket }

// Requests delivers authenticated requests. The consumer must Reply to each.
func (s *Server) Requests() <-chan Request { return s.requests }

// Serve runs the accept loop until ctx is done or the listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.log.Warn("accept failed", logx.Err(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, c)
		}()
	}
}

func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ln.Close()
		_ = os.Remove(s.cfg.Socket)
	})
	return err
}

func (s *Server) handle(ctx context.Context, c net.Conn) {
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(s.cfg.Timeout))

	m, err := ReadMessage(c, s.cfg.Key)
	if err != nil {
		if errors.Is(err, ErrAuthentication) {
			s.log.Warn("dropping unauthenticated connection", logx.Err(err))
			return
		}
		if !errors.Is(err, io.EOF) {
			s.log.Debug("read request failed", logx.Err(err))
			_ = WriteMessage(c, s.cfg.Key, Error(err))
		}
		return
	}
	if err := m.Validate(); err != nil {
		_ = WriteMessage(c, s.cfg.Key, Error(err))
		return
	}

	req, reply := NewRequest(m)
	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()

	select {
	case s.requests <- req:
	case <-ctx.Done():
		return
	case <-timer.C:
		_ = WriteMessage(c, s.cfg.Key, Error(errors.New("scheduler busy")))
		return
	}

	select {
	case resp := <-reply:
		if err := WriteMessage(c, s.cfg.Key, resp); err != nil {
			s.log.Debug("write response failed", logx.Err(err))
		}
	case <-ctx.Done():
	case <-timer.C:
		_ = WriteMessage(c, s.cfg.Key, Error(errors.New("request timed out")))
	}
}
