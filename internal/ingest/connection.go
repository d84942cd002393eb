// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingest

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"ingestd/internal/ingesterr"
)

const (
	readTimeout    = 60 * time.Second
	maxHeaderBytes = 64 * 1024
	maxBodyBytes   = 1 << 20 // 1 MiB
)

// request is the minimal parsed shape the router needs: method, path,
// headers, and body. It deliberately doesn't model the full HTTP/1.1
// grammar (no chunked transfer-encoding, no trailers) since the only
// client this service promises to serve is a metrics producer posting
// bounded JSON bodies over keep-alive connections.
type request struct {
	method string
	path   string
	header map[string]string
	body   []byte
}

// response is what a Route returns; writeResponse renders it.
type response struct {
	status int
	body   []byte
}

// Route handles one parsed request and returns the response to write.
type Route func(req *request) response

// ConnHandler owns the per-connection request loop: read one HTTP/1.1
// request, dispatch it to a route by method and path, write the response, and loop
// for keep-alive until the client closes the connection or a protocol
// error occurs.
type ConnHandler struct {
	routes map[string]Route
	log    *zap.Logger
}

// NewConnHandler builds a handler dispatching by exact match on the
// "METHOD /path" keys of routes.
func NewConnHandler(routes map[string]Route, log *zap.Logger) *ConnHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConnHandler{routes: routes, log: log}
}

// Handle runs the request loop for conn and always closes it before
// returning. A panic within a single request is isolated so it cannot
// take down the worker goroutine; the connection is simply closed.
func (h *ConnHandler) Handle(conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("panic in connection handler, connection closed", zap.Any("recover", r))
		}
	}()

	reader := bufio.NewReaderSize(conn, 16*1024)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}

		req, err := readRequest(reader)
		if err != nil {
			if ingesterr.IsClientError(err) {
				// The stream position after a rejected request (e.g. an
				// oversized body whose bytes were never consumed) can no
				// longer be trusted to start a new request, so the
				// response is written and the connection closed rather
				// than kept alive.
				resp := response{status: 400, body: []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))}
				writeResponse(conn, resp)
				return
			}
			if err != io.EOF {
				h.log.Debug("connection closed on protocol error", zap.Error(ingesterr.Wrap(err, "ingest", "read_request")))
			}
			return
		}

		route, ok := h.routes[req.method+" "+req.path]
		if !ok {
			writeResponse(conn, response{status: 404, body: []byte(`{"error":"not found"}`)})
			continue
		}

		resp := route(req)
		if err := writeResponse(conn, resp); err != nil {
			return
		}
	}
}

// readRequest parses one HTTP/1.1 request: request line, headers bounded
// by maxHeaderBytes, and a body read for exactly the declared
// Content-Length, capped at maxBodyBytes.
func readRequest(r *bufio.Reader) (*request, error) {
	line, err := readLine(r, maxHeaderBytes)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: malformed request line %q", ingesterr.ErrMalformedRequest, line)
	}
	method, path := parts[0], parts[1]

	headers := make(map[string]string)
	headerBytes := 0
	for {
		hline, err := readLine(r, maxHeaderBytes-headerBytes)
		if err != nil {
			return nil, err
		}
		headerBytes += len(hline) + 2
		if headerBytes > maxHeaderBytes {
			return nil, fmt.Errorf("%w: headers exceed %d bytes", ingesterr.ErrMalformedRequest, maxHeaderBytes)
		}
		if hline == "" {
			break
		}
		name, value, ok := strings.Cut(hline, ":")
		if !ok {
			return nil, fmt.Errorf("%w: malformed header %q", ingesterr.ErrMalformedRequest, hline)
		}
		headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}

	var body []byte
	if cl, ok := headers["content-length"]; ok && cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: invalid content-length %q", ingesterr.ErrMalformedRequest, cl)
		}
		if n > maxBodyBytes {
			return nil, fmt.Errorf("%w: body of %d bytes exceeds %d byte limit", ingesterr.ErrSchemaViolation, n, maxBodyBytes)
		}
		body = make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("%w: short body read: %v", ingesterr.ErrMalformedRequest, err)
		}
	}

	return &request{method: method, path: path, header: headers, body: body}, nil
}

// readLine reads up to limit bytes looking for a CRLF-terminated line,
// per the acceptor's header size cap.
func readLine(r *bufio.Reader, limit int) (string, error) {
	var sb strings.Builder
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			s := sb.String()
			return strings.TrimSuffix(s, "\r"), nil
		}
		sb.WriteByte(b)
		if sb.Len() > limit {
			return "", fmt.Errorf("%w: line exceeds %d bytes", ingesterr.ErrMalformedRequest, limit)
		}
	}
}

func writeResponse(conn net.Conn, resp response) error {
	if err := conn.SetWriteDeadline(time.Now().Add(readTimeout)); err != nil {
		return err
	}
	status := resp.status
	if status == 0 {
		status = 200
	}
	var buf strings.Builder
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", status, statusText(status))
	fmt.Fprintf(&buf, "Content-Type: application/json\r\n")
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(resp.body))
	fmt.Fprintf(&buf, "Connection: keep-alive\r\n\r\n")
	if _, err := conn.Write([]byte(buf.String())); err != nil {
		return err
	}
	_, err := conn.Write(resp.body)
	return err
}

func statusText(status int) string {
	switch status {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 404:
		return "Not Found"
	case 429:
		return "Too Many Requests"
	case 503:
		return "Service Unavailable"
	default:
		return "Status"
	}
}
