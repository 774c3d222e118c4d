package bridge

import (
	"fmt"
	"slices"
	"strings"

	"github.com/nerrad567/coap-bridge/internal/coap"
)

const (
	wellKnownCore = ".well-known/core"
	whoamiPath    = "whoami"

	welcomeText = "coap-bridge: POST readings to /<category>/<identifier>"
)

// result is what a resource decided for a fresh request. It becomes an
// ACK or RST for confirmable requests and is discarded otherwise.
type result struct {
	outcome string
	reset   bool

	code      coap.Code
	payload   []byte
	format    coap.MediaType
	hasFormat bool
}

func (r result) response(req coap.Message) coap.Message {
	if r.reset {
		return coap.NewReset(req)
	}
	resp := coap.NewAck(req, r.code, r.payload)
	if r.hasFormat {
		resp.SetContentFormat(r.format)
	}
	return resp
}

func content(format coap.MediaType, payload []byte) result {
	return result{
		outcome:   outcomeServed,
		code:      coap.Content,
		payload:   payload,
		format:    format,
		hasFormat: true,
	}
}

var (
	notFound         = result{outcome: outcomeNotFound, code: coap.NotFound}
	methodNotAllowed = result{outcome: outcomeMethodNotAllowed, code: coap.MethodNotAllowed}
)

// route dispatches a fresh request on its Uri-Path.
func (s *Server) route(endpoint string, msg *coap.Message) result {
	path := strings.Trim(msg.Path(), "/")

	switch path {
	case wellKnownCore:
		if msg.Code != coap.GET {
			return methodNotAllowed
		}
		return content(coap.LinkFormat, s.linkFormat)
	case "":
		if msg.Code != coap.GET {
			return methodNotAllowed
		}
		return content(coap.TextPlain, []byte(welcomeText))
	case whoamiPath:
		if msg.Code != coap.GET {
			return methodNotAllowed
		}
		return content(coap.TextPlain, []byte(endpoint))
	}

	if !s.categories[s.category(path)] {
		return notFound
	}
	if msg.Code != coap.POST && msg.Code != coap.PUT {
		return methodNotAllowed
	}
	return s.ingest(endpoint, msg)
}

// category returns the first path segment below the prefix, or "" when
// path lies outside the prefix.
func (s *Server) category(path string) string {
	if s.pathPrefix != "" {
		rest, ok := strings.CutPrefix(path, s.pathPrefix)
		if !ok || (rest != "" && rest[0] != '/') {
			return ""
		}
		path = strings.TrimPrefix(rest, "/")
	}
	first, _, _ := strings.Cut(path, "/")
	return first
}

// buildLinkFormat lists each category as an RFC 6690 link.
func buildLinkFormat(prefix string, categories []string) []byte {
	sorted := slices.Clone(categories)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	links := make([]string, 0, len(sorted))
	for _, c := range sorted {
		c = strings.Trim(c, "/")
		if prefix != "" {
			c = prefix + "/" + c
		}
		links = append(links, fmt.Sprintf(`</%s>;rt="sensor-readings";ct="50 60"`, c))
	}
	return []byte(strings.Join(links, ","))
}
