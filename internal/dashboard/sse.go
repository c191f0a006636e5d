package dashboard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/signalbox/internal/semaphore"
)

const (
	// streamPoll is how often the session table is checked for changes.
	streamPoll = 2 * time.Second
	// streamHeartbeat keeps idle connections from being reaped by proxies.
	streamHeartbeat = 15 * time.Second
)

// handleStream creates an SSE handler that pushes the live session table
// whenever it changes.
func handleStream(rep *semaphore.Reporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		// Send connected event.
		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		// Push the current state immediately, then only on change.
		last := pushSessions(c.Writer, rep, nil)

		ctx := c.Request.Context()
		ticker := time.NewTicker(streamPoll)
		heartbeat := time.NewTicker(streamHeartbeat)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				last = pushSessions(c.Writer, rep, last)
			}
		}
	}
}

// pushSessions writes a sessions event when the snapshot differs from prev.
// Returns the marshaled snapshot for the next comparison.
func pushSessions(w gin.ResponseWriter, rep *semaphore.Reporter, prev []byte) []byte {
	snaps := rep.Sessions()
	if snaps == nil {
		snaps = []semaphore.SessionSnapshot{}
	}
	data, err := json.Marshal(snaps)
	if err != nil {
		return prev
	}
	if prev != nil && bytes.Equal(data, prev) {
		return prev
	}
	writeSSE(w, "sessions", json.RawMessage(data))
	w.Flush()
	return data
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
