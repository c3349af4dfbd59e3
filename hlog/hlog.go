package hlog

import (
	"fmt"
	"io/ioutil"
	"log"
	"time"

	"github.com/mlctrez/web"
)

type HLog struct {
	logger   *log.Logger
	prefixes []interface{}
}

func New(logger *log.Logger, prefixes ...interface{}) *HLog {
	if logger == nil {
		logger = log.New(ioutil.Discard, "", 0)
	}
	if len(prefixes) == 1 {
		if s, ok := prefixes[0].(string); ok {
			prefixes = []interface{}{fmt.Sprintf("%-15s", s)}
		}
	}
	return &HLog{logger: logger, prefixes: prefixes}
}

func (h *HLog) Println(v ...interface{}) {
	h.logger.Println(append(h.prefixes[:len(h.prefixes):len(h.prefixes)], v...)...)
}

func (h *HLog) Printf(format string, v ...interface{}) {
	h.Println(fmt.Sprintf(format, v...))
}

// Logger returns the underlying logger, for http.Server.ErrorLog.
func (h *HLog) Logger() *log.Logger {
	return h.logger
}

func (h *HLog) LoggerMiddleware(rw web.ResponseWriter, req *web.Request, next web.NextMiddlewareFunc) {
	startTime := time.Now()

	next(rw, req)

	duration := time.Since(startTime).Nanoseconds()
	var durationUnits string
	switch {
	case duration > 2000000:
		durationUnits = "ms"
		duration /= 1000000
	case duration > 1000:
		durationUnits = "µs"
		duration /= 1000
	default:
		durationUnits = "ns"
	}

	h.Printf("[%04d %2s] %d %s '%s' %s", duration, durationUnits, rw.StatusCode(), req.Method, req.URL.Path, req.RemoteAddr)
}
