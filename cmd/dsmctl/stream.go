package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/dsmui/api/internal/model"
	"github.com/dsmui/api/internal/tracker"
)

// streamURL turns the service base URL into the session's push endpoint
func streamURL(baseURL, token, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}
	u.Path += "/ws/sessions/" + url.PathEscape(sessionID)
	if token != "" {
		u.RawQuery = url.Values{"token": {token}}.Encode()
	}
	return u.String(), nil
}

// stream follows a session over the service's WebSocket channel instead of
// polling. It only sees updates sent after it connects.
func stream(ctx context.Context, baseURL, token, sessionID string, out io.Writer) error {
	target, err := streamURL(baseURL, token, sessionID)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	})
	defer stop()

	fmt.Fprintf(out, "Streaming session %s\n", sessionID)
	sink := newConsoleSink(out)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream closed: %w", err)
		}

		if handleStreamMessage(sink, data) {
			return <-sink.done
		}
	}
}

// handleStreamMessage feeds one pushed message to sink and reports whether
// it ended the session
func handleStreamMessage(sink *consoleSink, data []byte) bool {
	var head model.WSMessage
	if err := json.Unmarshal(data, &head); err != nil {
		log.Printf("[stream] ignoring malformed message: %v", err)
		return false
	}

	switch head.Type {
	case model.WSMessageTypeProgress:
		var msg model.WSProgressMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return false
		}
		sink.OnProgress(msg.Status, msg.Progress, tracker.Detail{
			CurrentSegment: msg.CurrentSegment,
			TotalSegments:  msg.TotalSegments,
		})
		if len(msg.Transcriptions) > 0 {
			sink.OnPartial(msg.Transcriptions)
		}
		return false

	case model.WSMessageTypeComplete:
		var msg model.WSCompleteMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Result == nil {
			sink.OnError(fmt.Errorf("malformed completion message"))
			return true
		}
		text := msg.Result.FinalTranscription
		if text == "" {
			text = strings.Join(msg.Result.Transcriptions, "\n\n")
		}
		sink.OnCompleted(text, tracker.StatsFrom(msg.Result))
		return true

	case model.WSMessageTypeError:
		var msg model.WSErrorMessage
		_ = json.Unmarshal(data, &msg)
		sink.OnError(&tracker.ServiceReportedError{SessionID: msg.SessionID, Message: msg.Error.Message})
		return true

	case model.WSMessageTypeCancelled:
		sink.OnCancelled()
		return true
	}
	return false
}
