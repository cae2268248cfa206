package chshare

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/sammck-go/relayhttp/pkg/relay"
)

// errorBody is the JSON document carried by synthesized error responses
type errorBody struct {
	Message       string `json:"message"`
	ExceptionText string `json:"exceptionMessage,omitempty"`
}

// NewResponse creates an empty response with the given status for req. req
// may be nil.
func NewResponse(req *http.Request, statusCode int) *http.Response {
	return &http.Response{
		Status:        strconv.Itoa(statusCode) + " " + http.StatusText(statusCode),
		StatusCode:    statusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          http.NoBody,
		ContentLength: 0,
		Request:       req,
	}
}

// NewErrorResponse creates a response with the given status whose JSON body
// describes err. req may be nil; err may be nil.
func NewErrorResponse(req *http.Request, statusCode int, err error) *http.Response {
	resp := NewResponse(req, statusCode)
	body := errorBody{Message: http.StatusText(statusCode)}
	if err != nil {
		body.ExceptionText = err.Error()
	}
	b, merr := json.Marshal(&body)
	if merr != nil {
		return resp
	}
	resp.Header.Set("Content-Type", "application/json; charset=utf-8")
	resp.Body = io.NopCloser(bytes.NewReader(b))
	resp.ContentLength = int64(len(b))
	return resp
}

// responseToMessage is the core's own conversion of a response into a reply
// message. It is used when the configured adapter cannot convert a response,
// so it must not fail.
func responseToMessage(resp *http.Response) *relay.Message {
	var body []byte
	if resp.Body != nil {
		body, _ = io.ReadAll(resp.Body)
		resp.Body.Close()
	}
	msg := relay.NewReplyMessage(resp.StatusCode, body)
	for k, vv := range resp.Header {
		msg.Header[k] = append([]string(nil), vv...)
	}
	return msg
}
