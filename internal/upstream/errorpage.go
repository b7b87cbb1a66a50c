package upstream

import (
	"fmt"
	"html"
	"net/http"
)

// gatewayErrorMessages supplies the heading/body text for the synthetic
// error pages the driver serves when it cannot complete the upstream
// half of a transaction (dial failure, connect timeout). It is
// deliberately small: these are not user-facing application errors, they
// are "the proxy itself could not reach the origin" errors.
var gatewayErrorMessages = map[int]struct {
	Heading string
	Message string
}{
	http.StatusBadGateway: {
		Heading: "Bad Gateway",
		Message: "The proxy could not establish a connection to the upstream server.",
	},
	http.StatusGatewayTimeout: {
		Heading: "Gateway Timeout",
		Message: "The upstream server did not respond in time.",
	},
}

// buildGatewayErrorResponse renders status/detail into a complete raw
// HTTP/1.1 response (status line, headers, body) the driver can feed
// straight into its write side exactly as if an origin had sent it.
func buildGatewayErrorResponse(status int, detail string) []byte {
	info, known := gatewayErrorMessages[status]
	heading := info.Heading
	message := info.Message
	if !known {
		heading = http.StatusText(status)
		message = "The proxy encountered an error forwarding this request."
	}

	body := fmt.Sprintf(
		"<html><head><title>%d %s</title></head><body><h1>%s</h1><p>%s</p></body></html>",
		status, html.EscapeString(heading), html.EscapeString(heading), html.EscapeString(message+" "+detail),
	)

	statusText := http.StatusText(status)
	if statusText == "" {
		statusText = "Error"
	}

	return []byte(fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nContent-Type: text/html; charset=utf-8\r\nContent-Length: %d\r\nCache-Control: no-cache, no-store, must-revalidate\r\nConnection: close\r\n\r\n%s",
		status, statusText, len(body), body,
	))
}
