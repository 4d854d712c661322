package tee

import (
	"io"
	"net/http"
	"testing"
)

func TestResultParsesRecordedResponse(t *testing.T) {
	rs := NewResponseSaver()
	rs.Header().Set("Content-Type", "text/plain")
	rs.WriteHeader(http.StatusTeapot)
	rs.Write([]byte("short and stout"))

	res, err := rs.Result(nil)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if res.StatusCode != http.StatusTeapot {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("Content-Type is %s", ct)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "short and stout" {
		t.Fatalf("Body is %s", body)
	}
}

func TestHeadersWrittenOnce(t *testing.T) {
	rs := NewResponseSaver()
	rs.Write([]byte("hello"))
	rs.WriteHeader(http.StatusNotFound)

	res, err := rs.Result(nil)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
}

func TestEmptyHandlerIsOK(t *testing.T) {
	rs := NewResponseSaver()
	res, err := rs.Result(nil)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
}
