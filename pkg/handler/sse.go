package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/choraleia/relaychat/pkg/relay"
	"github.com/gin-gonic/gin"
)

// SSEWriter wraps gin.ResponseWriter for proper SSE streaming
type SSEWriter struct {
	writer  gin.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter sends the event-stream headers and returns a writer.
func NewSSEWriter(c *gin.Context) *SSEWriter {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()

	flusher, _ := c.Writer.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	return &SSEWriter{
		writer:  c.Writer,
		flusher: flusher,
	}
}

// WriteEvent writes an SSE event
func (w *SSEWriter) WriteEvent(event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if event != "" {
		if _, err := fmt.Fprintf(w.writer, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", jsonData); err != nil {
		return err
	}

	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// WriteEntry writes one relay entry as its own event type.
func (w *SSEWriter) WriteEntry(e relay.Entry) error {
	switch e.Kind {
	case relay.KindChunk:
		return w.WriteEvent("chunk", gin.H{"id": e.ID, "text": e.Text})
	case relay.KindError:
		return w.WriteEvent("error", gin.H{"id": e.ID, "error": e.Message})
	default:
		return w.WriteEvent("done", gin.H{"id": e.ID})
	}
}

// streamEntries copies entries to the client until the channel closes, a
// terminal entry is written or the client goes away.
func streamEntries(c *gin.Context, entries <-chan relay.Entry) {
	w := NewSSEWriter(c)
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return
			}
			if err := w.WriteEntry(e); err != nil {
				return
			}
			if e.Terminal() {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}
