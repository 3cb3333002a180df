package chatclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"coach-chat-service/internal/models"
)

// Subscribe opens a websocket on the conversation and delivers its events
// until ctx is done or the connection drops. The channel is closed then.
func (c *Client) Subscribe(ctx context.Context, conversationID int64) (<-chan models.ChatEvent, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws" + conversationPath(conversationID, "")
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			apiErr := decodeAPIError(resp)
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
			return nil, apiErr
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	events := make(chan models.ChatEvent)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		case <-done:
		}
		conn.Close()
	}()
	go func() {
		defer close(events)
		defer close(done)
		for {
			var event models.ChatEvent
			if err := conn.ReadJSON(&event); err != nil {
				return
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
