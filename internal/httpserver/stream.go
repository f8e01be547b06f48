package httpserver

import (
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 30 * time.Second
)

// lineMessage is one relayed line on the websocket.
type lineMessage struct {
	Label string `json:"label"`
	Line  string `json:"line"`
}

// wsSink streams lines to a websocket client. After the first write error
// it drops further lines; the run itself keeps going.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
	err  error
}

func (w *wsSink) Append(label string, line []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := w.conn.WriteJSON(lineMessage{Label: label, Line: string(line)}); err != nil {
		w.err = err
		log.Printf("httpserver: websocket client gone, dropping lines: %v", err)
	}
}

// watch reads and discards client frames until the connection fails, so
// ping and close frames are answered while the run streams. Lines are
// dropped from then on.
func (w *wsSink) watch() {
	for {
		if _, _, err := w.conn.NextReader(); err != nil {
			w.mu.Lock()
			if w.err == nil {
				w.err = err
			}
			w.mu.Unlock()
			return
		}
	}
}

func (w *wsSink) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

// handleStreamRun upgrades to a websocket, reads one run request, streams
// every line as it is relayed and finishes with the report.
func (s *Server) handleStreamRun(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("httpserver: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	var req runRequest
	if err := conn.ReadJSON(&req); err != nil || req.Language == "" {
		_ = conn.WriteJSON(gin.H{"done": true, "error": "invalid request"})
		return
	}

	_ = conn.SetReadDeadline(time.Time{})
	sink := &wsSink{conn: conn}
	go sink.watch()
	report, _, err := s.execute(c.Request.Context(), req, sink)
	if err != nil {
		_ = sink.writeJSON(gin.H{"done": true, "error": err.Error()})
		return
	}

	final := simpleResponse(report)
	final["done"] = true
	if err := sink.writeJSON(final); err != nil {
		log.Printf("httpserver: websocket final report: %v", err)
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// checkLocalOrigin only admits browser connections from localhost; clients
// without an Origin header (CLIs) are always admitted.
func checkLocalOrigin(r *http.Request) bool {
	origin := strings.ToLower(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range []string{
		"http://localhost", "https://localhost",
		"http://127.0.0.1", "https://127.0.0.1",
		"http://[::1]", "https://[::1]",
	} {
		if origin == allowed || strings.HasPrefix(origin, allowed+":") {
			return true
		}
	}
	return false
}
