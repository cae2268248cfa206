package relay

import (
	"net/http"
	"sync/atomic"
)

// Message is the transport-neutral form of an HTTP request or reply carried by
// a relay channel. Requests carry Method and URL; replies carry StatusCode.
type Message struct {
	// ID correlates a reply with its request on transports that multiplex
	ID string

	Method string
	URL    string

	StatusCode int

	Header http.Header
	Body   []byte

	// RemoteAddr is the address of the original caller as reported by the
	// relay, if known
	RemoteAddr string

	// Properties carries transport-specific metadata
	Properties map[string]string

	closed int32
}

// NewRequestMessage creates a request message
func NewRequestMessage(method, url string, body []byte) *Message {
	return &Message{
		Method: method,
		URL:    url,
		Header: make(http.Header),
		Body:   body,
	}
}

// NewReplyMessage creates a reply message
func NewReplyMessage(statusCode int, body []byte) *Message {
	return &Message{
		StatusCode: statusCode,
		Header:     make(http.Header),
		Body:       body,
	}
}

// IsRequest returns true if the message carries a request line
func (m *Message) IsRequest() bool {
	return m.Method != ""
}

// Close marks the message as released. It is idempotent.
func (m *Message) Close() error {
	atomic.StoreInt32(&m.closed, 1)
	return nil
}

// IsClosed returns true after Close has been called
func (m *Message) IsClosed() bool {
	return atomic.LoadInt32(&m.closed) != 0
}
