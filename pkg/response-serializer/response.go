package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const storedAtHeaderName = "Offline-Cache-Stored-At"

type StoredResponse struct {
	Response *http.Response
	// The value of the clock at the time the response was stored.
	StoredAt time.Time
}

// BytesToStoredResponse reads a stored response back.
// The request, if given, is attached to the response.
func BytesToStoredResponse(b []byte, req *http.Request) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return sRes, err
	}
	sRes.Response = res
	if storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64); err == nil {
		sRes.StoredAt = time.Unix(0, storedAt)
	}
	// delete extra headers
	res.Header.Del(storedAtHeaderName)
	return sRes, nil
}

// StoredResponseToBytes returns the HTTP/1.1 representation of the stored response.
// The response body is consumed and replaced with an identical one, so the response
// can still be sent to a client afterwards.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	res := sRes.Response
	body, err := Buffer(res)
	if err != nil {
		return nil, err
	}

	// write a normalized copy, so the original keeps its headers
	stored := *res
	stored.ProtoMajor, stored.ProtoMinor = 1, 1
	stored.Header = storableHeader(res.Header)
	stored.Header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.UnixNano(), 10))
	stored.TransferEncoding = nil
	stored.Trailer = nil
	stored.Close = false
	stored.ContentLength = int64(len(body))
	stored.Body = io.NopCloser(bytes.NewReader(body))

	buf := &bytes.Buffer{}
	if err := stored.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Buffer reads the whole body and sets an identical one back on the response.
func Buffer(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		return []byte{}, nil
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	return body, nil
}

// storableHeader removes the headers that only make sense for a single connection.
func storableHeader(header http.Header) http.Header {
	h := header.Clone()
	if h == nil {
		return make(http.Header)
	}
	for _, name := range ListHeader(header, "Connection") {
		h.Del(name)
	}
	h.Del("Connection")
	h.Del("Proxy-Connection")
	h.Del("Keep-Alive")
	h.Del("TE")
	h.Del("Transfer-Encoding")
	h.Del("Upgrade")
	h.Del("Content-Length")
	return h
}

// ListHeader returns the comma separated items of all field lines, trimmed and without empty ones.
func ListHeader(header http.Header, field string) []string {
	list := make([]string, 0)
	for _, hdr := range header.Values(field) {
		for _, item := range strings.Split(hdr, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
	}
	return list
}
