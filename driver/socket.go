// socket.go --  This file is part of goCDFT project.
// Mirzaeva Irina, 2023
//
//	goCDFT is distributed in the hope that it will be useful,
//	but WITHOUT ANY WARRANTY; without even the implied warranty
//	of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//	See the GNU General Public License for more details.
//
//	You should have received a copy of the GNU General Public License
//	along with this program.  If not, see http://www.gnu.org/licenses/
//
// ------------------------------------------------
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Error codes carried by socket messages.
const (
	CodeSCFNotConverged = "scf_not_converged"
	CodeInvalidRequest  = "invalid_request"
	CodeEngineError     = "engine_error"
)

// socketMessage is the JSON envelope exchanged over the engine websocket.
// A request carries Request; the answer echoes ID and carries either
// Response or Code and Error.
type socketMessage struct {
	ID       string    `json:"id"`
	Request  *Request  `json:"request,omitempty"`
	Response *Response `json:"response,omitempty"`
	Code     string    `json:"code,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Socket is a Driver talking to a remote engine over one persistent
// websocket connection. Calls are serialised on the connection.
type Socket struct {
	url    string
	dialer *websocket.Dialer
	header http.Header
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewSocket(url string, header http.Header, logger *slog.Logger) *Socket {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Socket{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		header: header,
		logger: logger,
	}
}

func (s *Socket) connect(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}
	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrEngineUnreachable, s.url, err)
	}
	conn.SetReadLimit(1 << 30)
	s.conn = conn
	s.logger.Info("engine websocket connected", "url", s.url)
	return nil
}

func (s *Socket) drop() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// Evaluate implements Driver.
func (s *Socket) Evaluate(ctx context.Context, req *Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	conn := s.conn
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	msg := socketMessage{ID: uuid.NewString(), Request: req}
	if err := conn.WriteJSON(&msg); err != nil {
		s.drop()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: write: %v", ErrEngineUnreachable, err)
	}
	var answer socketMessage
	if err := conn.ReadJSON(&answer); err != nil {
		s.drop()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: read: %v", ErrEngineUnreachable, err)
	}
	// a cancellation racing the read has already closed conn
	if !stop() {
		s.drop()
		return nil, ctx.Err()
	}
	if answer.ID != msg.ID {
		s.drop()
		return nil, fmt.Errorf("%w: answer %s for request %s", ErrEngineUnreachable, answer.ID, msg.ID)
	}
	switch answer.Code {
	case "":
	case CodeSCFNotConverged:
		return nil, fmt.Errorf("%w: %s", ErrSCFNotConverged, answer.Error)
	default:
		return nil, fmt.Errorf("engine %s: %s", answer.Code, answer.Error)
	}
	if answer.Response == nil {
		return nil, errors.New("engine answered without a response")
	}
	return answer.Response, nil
}

func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.drop()
	return err
}

// Server exposes a Driver over websocket. Drivers that are not safe for
// concurrent use are serialised across connections.
type Server struct {
	driver   Driver
	logger   *slog.Logger
	upgrader websocket.Upgrader
	serial   sync.Mutex
}

func NewServer(d Driver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		driver: d,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 20,
			WriteBufferSize: 1 << 20,
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(1 << 30)
	session := uuid.NewString()
	s.logger.Info("engine client connected", "session", session, "remote", r.RemoteAddr)

	for {
		var msg socketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, io.EOF) {
				s.logger.Info("engine client disconnected", "session", session, "error", err)
			}
			return
		}
		answer := s.handle(r.Context(), &msg)
		if err := conn.WriteJSON(answer); err != nil {
			s.logger.Warn("failed to write websocket answer", "session", session, "error", err)
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, msg *socketMessage) *socketMessage {
	answer := &socketMessage{ID: msg.ID}
	if msg.Request == nil {
		answer.Code, answer.Error = CodeInvalidRequest, "message without request"
		return answer
	}
	if err := msg.Request.Validate(); err != nil {
		answer.Code, answer.Error = CodeInvalidRequest, err.Error()
		return answer
	}
	if !IsConcurrent(s.driver) {
		s.serial.Lock()
		defer s.serial.Unlock()
	}
	start := time.Now()
	resp, err := s.driver.Evaluate(ctx, msg.Request)
	switch {
	case errors.Is(err, ErrSCFNotConverged):
		answer.Code, answer.Error = CodeSCFNotConverged, err.Error()
	case err != nil:
		answer.Code, answer.Error = CodeEngineError, err.Error()
	default:
		answer.Response = resp
	}
	s.logger.Debug("engine request served", "id", msg.ID, "elapsed", time.Since(start), "error", answer.Error)
	return answer
}

var _ Driver = (*Socket)(nil)
var _ io.Closer = (*Socket)(nil)
