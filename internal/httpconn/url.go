// Package httpconn manages the single HTTP connection a fetcher drains
// its batch over: URL construction, HMAC signing of the request, reply
// verification, and teardown.
package httpconn

import (
	"fmt"
	"strings"

	"github.com/quarrylab/shufflefetch/internal/shuffle"
)

// BaseURL builds the serving daemon URL for one (host, port, partition)
// up to and including the map= key; attempt path components get
// appended by InputURL.
func BaseURL(host string, port int, partition int, appID string, ssl bool) string {
	scheme := "http"
	if ssl {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d/mapOutput?job=%s&reduce=%d&map=", scheme, host, port, appID, partition)
}

// InputURL appends the batch's path components, comma separated, plus
// the keep-alive hint when configured.
func InputURL(baseURL string, attempts []shuffle.AttemptID, keepAlive bool) string {
	var b strings.Builder
	b.WriteString(baseURL)
	for i, a := range attempts {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(a.PathComponent)
	}
	if keepAlive {
		b.WriteString("&keepAlive=true")
	}
	return b.String()
}
