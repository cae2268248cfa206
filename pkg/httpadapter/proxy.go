package httpadapter

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/sammck-go/relayhttp/pkg/logger"
)

// NewReverseProxy returns a handler that forwards every request to the HTTP
// server at target, keeping the request path
func NewReverseProxy(lg logger.Logger, target string) (http.Handler, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing protocol (%s)", u)
	}
	rp := httputil.NewSingleHostReverseProxy(u)
	//always use proxy host
	rp.Director = func(r *http.Request) {
		r.URL.Scheme = u.Scheme
		r.URL.Host = u.Host
		r.Host = u.Host
	}
	if lg != nil {
		plg := lg.Fork("proxy")
		rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			plg.DLogf("%s %s failed: %s", r.Method, r.URL, err)
			w.WriteHeader(http.StatusBadGateway)
		}
	}
	return rp, nil
}
