package relaywire

import (
	"fmt"
	"sync/atomic"
)

// ConnStats keeps track of both currently open and total connection counts
// for a listener
type ConnStats struct {
	count atomic.Int32
	open  atomic.Int32
}

// New adds one to the total connection count and returns it
func (c *ConnStats) New() int32 {
	return c.count.Add(1)
}

// Open adds one to the current open connection count
func (c *ConnStats) Open() {
	c.open.Add(1)
}

// Close subtracts one from the current open connection count
func (c *ConnStats) Close() {
	c.open.Add(-1)
}

// Track counts ch as open until its shutdown completes
func (c *ConnStats) Track(ch *Channel) {
	c.Open()
	go func() {
		<-ch.ShutdownDoneChan()
		c.Close()
	}()
}

// Counts returns the open and total connection counts
func (c *ConnStats) Counts() (open, total int32) {
	return c.open.Load(), c.count.Load()
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", c.open.Load(), c.count.Load())
}
