package h2stream

import (
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"
)

const (
	pseudoMethod    = ":method"
	pseudoScheme    = ":scheme"
	pseudoAuthority = ":authority"
	pseudoPath      = ":path"
)

// hopByHopHeaders lists the header fields RFC 7540 section 8.1.2.2 forbids
// on an HTTP/2 message; they describe a property of the HTTP/1.1
// connection, which no longer exists once framed, and must not be
// reintroduced when projecting back to HTTP/1.1 either.
var hopByHopHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// ConvertRequestHeaders is a pure function projecting an HTTP/2
// pseudo-header-bearing field list into canonical HTTP/1.1 request-line
// and header form. Pseudo-headers collapse into the request line and a
// Host header; duplicate cookie fields recombine into a single header
// (RFC 7540 section 8.1.2.5).
func ConvertRequestHeaders(fields []hpack.HeaderField) (requestLine string, headers []string, err error) {
	var method, scheme, authority, path string
	var sawMethod, sawPath bool
	var cookies []string
	var regular []string

	for _, f := range fields {
		name := strings.ToLower(f.Name)
		switch name {
		case pseudoMethod:
			method, sawMethod = f.Value, true
		case pseudoScheme:
			scheme = f.Value
		case pseudoAuthority:
			authority = f.Value
		case pseudoPath:
			path, sawPath = f.Value, true
		case "cookie":
			cookies = append(cookies, f.Value)
		default:
			if strings.HasPrefix(name, ":") {
				// Unknown pseudo-header: reject at a higher layer by
				// surfacing nothing canonical for it here.
				continue
			}
			if hopByHopHeaders[name] {
				continue
			}
			regular = append(regular, textproto.CanonicalMIMEHeaderKey(name)+": "+f.Value)
		}
	}

	if !sawMethod || !sawPath {
		return "", nil, fmt.Errorf("header conversion: missing required pseudo-header (:method present=%v, :path present=%v)", sawMethod, sawPath)
	}
	if scheme == "" {
		scheme = "https"
	}

	requestLine = fmt.Sprintf("%s %s HTTP/1.1", method, path)

	if authority != "" {
		regular = append([]string{"Host: " + authority}, regular...)
	}
	if len(cookies) > 0 {
		regular = append(regular, "Cookie: "+strings.Join(cookies, "; "))
	}

	return requestLine, regular, nil
}

// ConvertResponseHeaders projects a parsed HTTP/1.1 response into the
// field list a HEADERS frame carries: a leading :status pseudo-header
// followed by the regular fields, with hop-by-hop headers stripped per
// RFC 7540 section 8.1.2.2. Values of one field keep their order; the
// order of distinct field names follows map iteration and is not defined.
func ConvertResponseHeaders(resp *http.Response) []hpack.HeaderField {
	fields := make([]hpack.HeaderField, 0, len(resp.Header)+1)
	fields = append(fields, hpack.HeaderField{Name: ":status", Value: strconv.Itoa(resp.StatusCode)})

	for name, values := range resp.Header {
		lower := strings.ToLower(name)
		if hopByHopHeaders[lower] {
			continue
		}
		for _, v := range values {
			fields = append(fields, hpack.HeaderField{Name: lower, Value: v})
		}
	}
	return fields
}

// SerializeRequest renders the request line and headers produced by
// ConvertRequestHeaders into the HTTP/1.1 byte form StreamIO feeds into
// request_buffer. It does not append a body; DATA frames are appended
// separately as they arrive.
func SerializeRequest(requestLine string, headers []string) []byte {
	var b strings.Builder
	b.WriteString(requestLine)
	b.WriteString("\r\n")
	for _, h := range headers {
		b.WriteString(h)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}
