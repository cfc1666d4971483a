package gateway

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/spanlabs/extract-gateway/internal/config"
	"github.com/spanlabs/extract-gateway/internal/engine"
	"github.com/spanlabs/extract-gateway/internal/observability"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin against an allowlist.
		// For now, allow all origins (development only)
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// HandleStreamWS is the entry point for streaming extraction connections.
// ?aggregate=true scopes a StreamExtractor to the connection and relays
// incremental deltas; otherwise each message is extracted one-shot.
func HandleStreamWS(cfg *config.Config, eng engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		aggregate, _ := strconv.ParseBool(r.URL.Query().Get("aggregate"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger := observability.GetLogger()
			logger.Error().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}
		defer conn.Close()

		session := NewSession(conn, cfg, eng, aggregate)
		session.metrics.RecordSessionStart()
		defer session.metrics.RecordSessionEnd()

		session.logger.Info().Msg("Streaming session established")

		if err := conn.WriteJSON(ServerFrame{
			Type:    FrameInfo,
			Message: fmt.Sprintf("connected; session_id=%s; aggregate=%t", session.id, aggregate),
		}); err != nil {
			session.logger.Warn().Err(err).Msg("Failed to send info frame")
			return
		}

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					session.logger.Warn().Err(err).Msg("WebSocket read error")
				}
				session.logger.Info().Msg("Streaming session ended")
				return
			}

			for _, frame := range session.HandleFrame(r.Context(), raw) {
				if err := conn.WriteJSON(frame); err != nil {
					session.logger.Warn().Err(err).Msg("WebSocket write error")
					return
				}
			}
		}
	}
}
