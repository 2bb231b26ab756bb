// Copyright (c) 2020 - 2021 Lurelab. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.lurelab.io/terms.html

// Package response renders the protocol answers of decoy sessions. Each
// listening port emulates a service well enough to keep an automated client
// talking, with the tone of the answer driven by the session personality.
package response

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lurelab/decoy/internal/personality"
)

// Engine renders protocol responses. It is stateless and safe for concurrent
// use by every connection handler.
type Engine struct {
	delay     time.Duration
	lurePaths *PathSet
	banners   map[int]string
}

// NewEngine returns a response engine. delay is the artificial latency
// applied to slow-connection sessions, lurePaths the HTTP paths redirected to
// the login lure, and banners the per-port service greetings.
func NewEngine(delay time.Duration, lurePaths []string, banners map[int]string) *Engine {
	return &Engine{
		delay:     delay,
		lurePaths: NewPathSet(lurePaths),
		banners:   banners,
	}
}

// Banner returns the greeting written when a session opens on the given port,
// or the empty string when the port has none.
func (e *Engine) Banner(port int) string {
	return e.banners[port]
}

// Respond returns the answer to a raw client message. The context cancels the
// artificial delay of slow-connection sessions.
func (e *Engine) Respond(ctx context.Context, port int, pers personality.Personality, raw []byte) []byte {
	cmd := sanitize(raw)

	switch pers {
	case personality.Flooder:
		return []byte(unavailableResponse(port))
	case personality.Slowloris:
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
		}
		return []byte(timeoutResponse)
	}

	switch port {
	case 21:
		return []byte(e.ftpResponse(cmd, pers))
	case 22:
		return []byte(sshResponse(cmd))
	case 80, 443:
		return []byte(e.httpResponse(cmd, pers))
	default:
		return []byte("Command not recognized.\r\n")
	}
}

// sanitize decodes the raw message as UTF-8, replacing invalid bytes, and
// trims the trailing newline.
func sanitize(raw []byte) string {
	var s strings.Builder
	for len(raw) > 0 {
		r, size := utf8.DecodeRune(raw)
		s.WriteRune(r)
		raw = raw[size:]
	}
	return strings.TrimRight(s.String(), "\r\n")
}

const timeoutResponse = "HTTP/1.1 408 Request Timeout\r\nConnection: close\r\n\r\n"

func unavailableResponse(port int) string {
	switch port {
	case 21:
		return "421 Service not available, closing control connection.\r\n"
	case 22:
		return "Connection closed by remote host.\r\n"
	case 80, 443:
		const page = "<html><body><h1>503 Service Unavailable</h1></body></html>"
		return fmt.Sprintf("HTTP/1.1 503 Service Unavailable\r\nContent-Type: text/html\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(page), page)
	default:
		return "Service temporarily unavailable.\r\n"
	}
}

func (e *Engine) ftpResponse(cmd string, pers personality.Personality) string {
	denied := pers == personality.Strict || pers == personality.Aggressive
	upper := strings.ToUpper(cmd)

	switch {
	case strings.Contains(upper, "USER"):
		if denied {
			return "530 Access denied.\r\n"
		}
		return "331 Username OK, need password.\r\n"
	case strings.Contains(upper, "PASS"):
		if denied {
			return "530 Access denied.\r\n"
		}
		return "230 Login successful.\r\n"
	case strings.Contains(upper, "LIST"):
		if denied {
			return "530 Access denied.\r\n"
		}
		return "150 Here comes the directory listing.\r\n226 Directory send OK.\r\n"
	case strings.Contains(upper, "STOR"):
		return "553 Could not create file.\r\n"
	default:
		return "502 Command not implemented.\r\n"
	}
}

func sshResponse(cmd string) string {
	// A "user:password" pair is what credential stuffers send after the
	// banner. Anything else is not a valid start of the key exchange.
	if strings.Contains(cmd, ":") {
		return "Permission denied (publickey,password).\r\n"
	}
	return "Protocol mismatch.\r\n"
}

func (e *Engine) httpResponse(cmd string, pers personality.Personality) string {
	method, path := parseRequestLine(cmd)

	switch method {
	case "GET":
		if e.lurePaths.Match(path) {
			return "HTTP/1.1 301 Moved Permanently\r\nLocation: /wp-login.php\r\nConnection: close\r\n\r\n"
		}
		page := welcomePage(pers)
		return fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(page), page)
	case "POST":
		return "HTTP/1.1 403 Forbidden\r\nConnection: close\r\n\r\n"
	default:
		return "HTTP/1.1 400 Bad Request\r\nConnection: close\r\n\r\n"
	}
}

func parseRequestLine(cmd string) (method, path string) {
	line := cmd
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) >= 2 {
		return strings.ToUpper(fields[0]), fields[1]
	}
	if len(fields) == 1 {
		return strings.ToUpper(fields[0]), "/"
	}
	return "", "/"
}

func welcomePage(pers personality.Personality) string {
	if pers == personality.Friendly {
		return "<html><body><h1>Welcome back</h1><p>It works!</p></body></html>"
	}
	return "<html><body><h1>It works!</h1></body></html>"
}
