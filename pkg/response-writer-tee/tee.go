package tee

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
)

// ResponseSaver is an http.ResponseWriter that saves the response to a buffer,
// in HTTP/1.1 wire format.
type ResponseSaver struct {
	b            *bytes.Buffer
	header       http.Header
	wroteHeaders bool
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	// remember that we wrote the headers
	t.wroteHeaders = true
	// write http status, headers, and separator to buffer
	// this uses HTTP 1.1 format only
	t.b.WriteString(fmt.Sprintf("HTTP/1.1 %d %s\r\n", statusCode, http.StatusText(statusCode)))
	t.header.Write(t.b)
	t.b.WriteString("\r\n")
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	// write headers if not already written
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	return t.b.Write(b)
}

// Response returns the recorded response as a byte slice.
func (t *ResponseSaver) Response() []byte {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	return t.b.Bytes()
}

// Result parses the recorded response, attaching the given request to it.
func (t *ResponseSaver) Result(req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(t.Response())), req)
}

func NewResponseSaver() *ResponseSaver {
	return &ResponseSaver{
		b:      &bytes.Buffer{},
		header: http.Header{},
	}
}
