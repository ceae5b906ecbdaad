package httpapi

import (
	"net/http"

	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/hub"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/rs/zerolog"
)

const sendBuffer = 16

// RealtimeHandler serves the subscriber endpoint. Clients connect, then
// send join/leave control messages for the departments they want queue
// updates from.
func RealtimeHandler(h *hub.Hub, secret []byte, log zerolog.Logger) http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		raw := session.Request().URL.Query().Get("token")
		if raw == "" {
			_ = session.Close(4001, "missing token")
			return
		}
		principal, err := VerifyToken(secret, raw)
		if err != nil {
			_ = session.Close(4002, "invalid token")
			return
		}

		client := hub.NewClient(uuid.NewString(), sendBuffer)
		h.Register(client)
		defer h.Unregister(client)

		log.Debug().Str("client_id", client.ID).Str("user_id", principal.ID).Msg("realtime session opened")

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			control, ok := hub.ParseControl([]byte(msg))
			if !ok {
				continue
			}
			channel := hub.ChannelKey(control.DepartmentID)
			if control.Action == "leave" {
				h.Leave(client, channel)
			} else {
				h.Join(client, channel)
			}
		}
	})
}
