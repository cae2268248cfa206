// Package relaywire is the wire format shared by the stream-oriented relay
// transports. A Frame carries one request, one reply, or a close notice, and
// is encoded in protobuf wire format without generated code, so either side
// can add fields without breaking the other.
package relaywire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sammck-go/relayhttp/pkg/relay"
)

// Kind is the type of a Frame
type Kind uint8

const (
	// KindRequest frames carry a request from the relay to the server
	KindRequest Kind = 1

	// KindReply frames carry a reply back to the relay
	KindReply Kind = 2

	// KindClose frames announce that the sender is closing the connection
	KindClose Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindReply:
		return "reply"
	case KindClose:
		return "close"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MaxFrameSize bounds the encoded size of a single frame
const MaxFrameSize = 64 << 20

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize
var ErrFrameTooLarge = errors.New("relaywire: frame too large")

// field numbers
const (
	fieldKind       protowire.Number = 1
	fieldID         protowire.Number = 2
	fieldMethod     protowire.Number = 3
	fieldURL        protowire.Number = 4
	fieldStatusCode protowire.Number = 5
	fieldHeader     protowire.Number = 6
	fieldBody       protowire.Number = 7
	fieldRemoteAddr protowire.Number = 8

	fieldHeaderName  protowire.Number = 1
	fieldHeaderValue protowire.Number = 2
)

// Frame is one unit of relay traffic
type Frame struct {
	Kind       Kind
	ID         string
	Method     string
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	RemoteAddr string
}

// FromMessage builds a frame of the given kind from a relay message
func FromMessage(kind Kind, msg *relay.Message) *Frame {
	return &Frame{
		Kind:       kind,
		ID:         msg.ID,
		Method:     msg.Method,
		URL:        msg.URL,
		StatusCode: msg.StatusCode,
		Header:     msg.Header,
		Body:       msg.Body,
		RemoteAddr: msg.RemoteAddr,
	}
}

// Message converts the frame back into a relay message
func (f *Frame) Message() *relay.Message {
	header := f.Header
	if header == nil {
		header = make(http.Header)
	}
	return &relay.Message{
		ID:         f.ID,
		Method:     f.Method,
		URL:        f.URL,
		StatusCode: f.StatusCode,
		Header:     header,
		Body:       f.Body,
		RemoteAddr: f.RemoteAddr,
	}
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Marshal encodes a frame
func Marshal(f *Frame) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Kind))
	b = appendString(b, fieldID, f.ID)
	b = appendString(b, fieldMethod, f.Method)
	b = appendString(b, fieldURL, f.URL)
	if f.StatusCode != 0 {
		b = protowire.AppendTag(b, fieldStatusCode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.StatusCode))
	}
	for name, values := range f.Header {
		for _, value := range values {
			var h []byte
			h = appendString(h, fieldHeaderName, name)
			h = protowire.AppendTag(h, fieldHeaderValue, protowire.BytesType)
			h = protowire.AppendString(h, value)
			b = protowire.AppendTag(b, fieldHeader, protowire.BytesType)
			b = protowire.AppendBytes(b, h)
		}
	}
	if len(f.Body) > 0 {
		b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Body)
	}
	b = appendString(b, fieldRemoteAddr, f.RemoteAddr)
	return b
}

// Unmarshal decodes a frame. Unknown fields are skipped.
func Unmarshal(b []byte) (*Frame, error) {
	f := &Frame{Header: make(http.Header)}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("relaywire: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("relaywire: bad kind: %w", protowire.ParseError(n))
			}
			f.Kind = Kind(v)
			b = b[n:]
		case num == fieldStatusCode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("relaywire: bad status code: %w", protowire.ParseError(n))
			}
			f.StatusCode = int(v)
			b = b[n:]
		case typ == protowire.BytesType && num >= fieldID && num <= fieldRemoteAddr:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("relaywire: bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := f.setBytesField(num, v); err != nil {
				return nil, err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("relaywire: bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if f.Kind < KindRequest || f.Kind > KindClose {
		return nil, fmt.Errorf("relaywire: unknown frame %s", f.Kind)
	}
	return f, nil
}

func (f *Frame) setBytesField(num protowire.Number, v []byte) error {
	switch num {
	case fieldID:
		f.ID = string(v)
	case fieldMethod:
		f.Method = string(v)
	case fieldURL:
		f.URL = string(v)
	case fieldBody:
		f.Body = append([]byte(nil), v...)
	case fieldRemoteAddr:
		f.RemoteAddr = string(v)
	case fieldHeader:
		name, value, err := unmarshalHeader(v)
		if err != nil {
			return err
		}
		f.Header[name] = append(f.Header[name], value)
	}
	return nil
}

func unmarshalHeader(b []byte) (name, value string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", fmt.Errorf("relaywire: bad header tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType || (num != fieldHeaderName && num != fieldHeaderValue) {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", "", fmt.Errorf("relaywire: bad header field: %w", protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeString(b)
		if n < 0 {
			return "", "", fmt.Errorf("relaywire: bad header field: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num == fieldHeaderName {
			name = v
		} else {
			value = v
		}
	}
	if name == "" {
		return "", "", errors.New("relaywire: header without a name")
	}
	return name, value, nil
}

// WriteDelimited writes a frame preceded by its uvarint encoded length
func WriteDelimited(w io.Writer, f *Frame) error {
	b := Marshal(f)
	if len(b) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
	buf := make([]byte, 0, n+len(b))
	buf = append(buf, lenBuf[:n]...)
	buf = append(buf, b...)
	_, err := w.Write(buf)
	return err
}

// ReadDelimited reads a frame written by WriteDelimited
func ReadDelimited(r *bufio.Reader) (*Frame, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return Unmarshal(b)
}
