// Package httpdump logs registry HTTP exchanges at logrus trace level.
package httpdump

import (
	"net/http"
	"net/http/httputil"

	"github.com/sirupsen/logrus"
)

// redactedHeaders are never written to the log.
var redactedHeaders = []string{"Authorization", "Proxy-Authorization"}

// DoRequest (c, req) is the same as c.Do(req), but it may log the
// request and response headers at logrus trace level.  Credentials are
// replaced before logging; bodies are never logged.
func DoRequest(c *http.Client, req *http.Request) (*http.Response, error) {
	if logrus.IsLevelEnabled(logrus.TraceLevel) {
		logRequest(req)
	}
	res, err := c.Do(req)
	if logrus.IsLevelEnabled(logrus.TraceLevel) {
		if err != nil {
			logrus.Tracef("===RES error: %v", err)
		} else if dr, err := httputil.DumpResponse(res, false); err != nil {
			logrus.Tracef("===Can not log HTTP response: %v", err)
		} else {
			logrus.Tracef("===RES===\n%s\n===RES===\n", dr)
		}
	}
	return res, err
}

func logRequest(req *http.Request) {
	r := req.Clone(req.Context())
	for _, h := range redactedHeaders {
		if r.Header.Get(h) != "" {
			r.Header.Set(h, "[redacted]")
		}
	}
	if dro, err := httputil.DumpRequestOut(r, false); err != nil {
		logrus.Tracef("===Can not log HTTP request: %v", err)
	} else {
		logrus.Tracef("===REQ===\n%s\n===REQ===\n", dro)
	}
}
