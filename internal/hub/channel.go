package hub

import (
	"context"
	"sync"
)

// Channel is one live connection of a user to a study. Outbound messages
// go through a bounded queue drained by a single writer goroutine.
type Channel struct {
	hub     *Hub
	conn    Conn
	studyID string
	userID  string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newChannel(h *Hub, conn Conn, studyID, userID string, buffer int) *Channel {
	return &Channel{
		hub:     h,
		conn:    conn,
		studyID: studyID,
		userID:  userID,
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
	}
}

// StudyID returns the study the channel watches.
func (c *Channel) StudyID() string { return c.studyID }

// UserID returns the user that owns the channel.
func (c *Channel) UserID() string { return c.userID }

// Done is closed once the channel is disconnected.
func (c *Channel) Done() <-chan struct{} { return c.done }

// enqueue reports false when the send queue is full. Messages to a closed
// channel are discarded.
func (c *Channel) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Channel) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.WriteMessage(data); err != nil {
				c.hub.logger.Warn("Channel write failed", "study_id", c.studyID, "user_id", c.userID, "error", err)
				c.hub.metrics.SendDropped(context.Background())
				c.close(CloseInternalError, "write failed")
				return
			}
		}
	}
}

func (c *Channel) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.hub.unregister(c) {
			c.hub.metrics.ChannelClosed(context.Background())
		}
		if err := c.conn.Close(code, reason); err != nil {
			c.hub.logger.Debug("Channel close failed", "study_id", c.studyID, "user_id", c.userID, "error", err)
		}
		c.hub.logger.Debug("Channel disconnected", "study_id", c.studyID, "user_id", c.userID, "code", code)
	})
}
