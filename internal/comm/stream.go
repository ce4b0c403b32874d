package comm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/tuksik/mailsync/internal/models"
	"github.com/tuksik/mailsync/internal/store"
)

// Frame types the client sends us.
const (
	FrameTaskQueued = "task-queued"
	FrameNeedBodies = "need-bodies"
)

// Frame is one inbound newline-delimited JSON message from the client.
type Frame struct {
	Type string       `json:"type"`
	Task *models.Task `json:"task,omitempty"`
	IDs  []string     `json:"ids,omitempty"`
}

// Stream is the framed JSON channel to the client: newline-delimited
// JSON in both directions. It is also a store observer, forwarding
// committed change deltas outbound. One writer at a time per direction.
type Stream struct {
	in *bufio.Scanner

	mu  sync.Mutex
	out io.Writer
}

// NewStream wraps the client connection, normally stdin/stdout.
func NewStream(r io.Reader, w io.Writer) *Stream {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Stream{in: scanner, out: w}
}

// ReadFrame blocks for the next inbound frame. Returns io.EOF when the
// client has closed its end.
func (s *Stream) ReadFrame() (*Frame, error) {
	for {
		if !s.in.Scan() {
			if err := s.in.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		line := s.in.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			return nil, fmt.Errorf("failed to parse frame: %w", err)
		}
		return &frame, nil
	}
}

// SendJSON writes one outbound frame followed by a newline.
func (s *Stream) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// PublishDeltas implements store.Observer, forwarding each committed
// delta to the client.
func (s *Stream) PublishDeltas(deltas []store.Delta) {
	for _, delta := range deltas {
		if err := s.SendJSON(delta); err != nil {
			log.Printf("stream: Warning: failed to send delta: %v", err)
			return
		}
	}
}
