package streamable

import (
	"mime"
	"net/url"
	"strings"
)

const (
	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"
)

// loopbackHosts are the hostnames a browser origin may use to reach a
// server bound to the local machine.
var loopbackHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
}

// originAllowed accepts an absent Origin, any loopback origin on any port,
// and the configured extra origins. Everything else could be a DNS
// rebinding page and is refused.
func originAllowed(origin string, extra []string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range extra {
		if allowed == origin {
			return true
		}
	}

	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return loopbackHosts[strings.ToLower(u.Hostname())]
}

// acceptedTypes returns the media types listed in an Accept header.
func acceptedTypes(header string) []string {
	var types []string
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		mt, _, err := mime.ParseMediaType(part)
		if err != nil {
			continue
		}
		types = append(types, mt)
	}
	return types
}

// acceptsAny reports whether header admits one of want. An empty header
// and */* admit everything.
func acceptsAny(header string, want ...string) bool {
	if strings.TrimSpace(header) == "" {
		return true
	}
	for _, mt := range acceptedTypes(header) {
		if mt == "*/*" {
			return true
		}
		for _, w := range want {
			if mt == w {
				return true
			}
		}
	}
	return false
}

// acceptsEventStream is stricter: the client must name the event stream
// type explicitly.
func acceptsEventStream(header string) bool {
	for _, mt := range acceptedTypes(header) {
		if mt == contentTypeSSE {
			return true
		}
	}
	return false
}
