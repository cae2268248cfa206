package httpadapter

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/jpillora/requestlog"

	"github.com/sammck-go/relayhttp/pkg/logger"
)

// HTTPHandler runs an http.Handler as a relay request handler, buffering its
// response in memory
type HTTPHandler struct {
	logger.Logger
	handler http.Handler
}

// NewHTTPHandler wraps h. When lg logs at debug level or above, every request
// is also written to the request log.
func NewHTTPHandler(lg logger.Logger, h http.Handler) *HTTPHandler {
	if lg == nil {
		lg = logger.NilLogger()
	}
	if lg.GetLogLevel() >= logger.LogLevelDebug {
		h = requestlog.Wrap(h)
	}
	return &HTTPHandler{Logger: lg.Fork("http"), handler: h}
}

// Handle serves req with the wrapped handler. The handler sees req's own
// context, with its values, canceled when either it or ctx is done. Handle
// returns ctx's error if ctx is done before or after the handler runs.
func (h *HTTPHandler) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	w := newResponseWriter()
	h.handler.ServeHTTP(w, req.WithContext(rctx))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp := w.response(req)
	h.TLogf("%s %s -> %d", req.Method, req.URL.Path, resp.StatusCode)
	return resp, nil
}

// responseWriter collects a handler's output
type responseWriter struct {
	header      http.Header
	statusCode  int
	wroteHeader bool
	body        bytes.Buffer
}

func newResponseWriter() *responseWriter {
	return &responseWriter{header: make(http.Header)}
}

func (w *responseWriter) Header() http.Header {
	return w.header
}

func (w *responseWriter) WriteHeader(statusCode int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.statusCode = statusCode
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		if w.header.Get("Content-Type") == "" {
			w.header.Set("Content-Type", http.DetectContentType(b))
		}
		w.WriteHeader(http.StatusOK)
	}
	return w.body.Write(b)
}

// Flush is a no-op; the whole response is sent as one reply
func (w *responseWriter) Flush() {}

func (w *responseWriter) response(req *http.Request) *http.Response {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n := w.body.Len()
	header := w.header.Clone()
	header.Set("Content-Length", strconv.Itoa(n))
	return &http.Response{
		Status:        strconv.Itoa(w.statusCode) + " " + http.StatusText(w.statusCode),
		StatusCode:    w.statusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(w.body.Bytes())),
		ContentLength: int64(n),
		Request:       req,
	}
}
