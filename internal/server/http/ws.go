package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

const wsWriteTimeout = 5 * time.Second

// serveWS streams hub frames to one websocket client. Incoming messages are
// read and discarded so pings and close frames are processed.
func (s *httpServer) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.origins),
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	sub := s.hub.Subscribe()
	defer sub.Close()
	logger := s.logger.With(zap.String("subscriber", sub.ID))
	logger.Debug("websocket subscriber connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg conc.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	wg.Go(func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	for {
		select {
		case <-ctx.Done():
			logger.Debug("websocket subscriber disconnected")
			return
		case frame, ok := <-sub.C:
			if !ok {
				logger.Info("websocket subscriber dropped")
				_ = conn.Close(websocket.StatusTryAgainLater, "subscriber closed")
				return
			}
			if err := writeFrame(ctx, conn, frame); err != nil {
				logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, frame)
}

// originPatterns converts configured origins into host patterns for the
// websocket origin check.
func originPatterns(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if i := strings.Index(origin, "://"); i >= 0 {
			origin = origin[i+3:]
		}
		origin = strings.TrimSuffix(origin, "/")
		if origin != "" {
			out = append(out, origin)
		}
	}
	return out
}
