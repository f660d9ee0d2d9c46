package serializer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// storedAtHeaderName carries the storage instant inside the serialized
// response. It is stripped again on deserialization.
const storedAtHeaderName = "Offline-Stored-At"

// CachedResponse is a fully buffered response as kept in a cache store.
// A value is immutable once stored: overwriting a key replaces the whole
// entry, never parts of it.
type CachedResponse struct {
	Status int
	Header http.Header
	Body   []byte
	// The value of the clock at the time the response was stored.
	StoredAt time.Time
}

// IsStorable reports whether a response with the given status code may be
// written to a cache store. Only success responses are persisted;
// redirects and errors never are.
func IsStorable(status int) bool {
	return status >= 200 && status < 300
}

// FromResponse buffers an origin response into a CachedResponse,
// consuming and closing its body. StoredAt is set to the current time.
func FromResponse(res *http.Response) (CachedResponse, error) {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return CachedResponse{}, fmt.Errorf("reading response body: %w", err)
	}
	return CachedResponse{
		Status:   res.StatusCode,
		Header:   res.Header.Clone(),
		Body:     body,
		StoredAt: time.Now(),
	}, nil
}

// NewJSONResponse builds a synthetic success response carrying the given
// payload as a JSON body. Used by the control channel to store pushed
// content as if it had been fetched.
func NewJSONResponse(payload any) (CachedResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return CachedResponse{}, fmt.Errorf("marshaling payload: %w", err)
	}
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return CachedResponse{
		Status:   http.StatusOK,
		Header:   header,
		Body:     body,
		StoredAt: time.Now(),
	}, nil
}

// Bytes returns the HTTP/1.1 wire representation of the response, with
// the stored-at instant smuggled in via a header.
func (c CachedResponse) Bytes() ([]byte, error) {
	header := c.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(storedAtHeaderName, strconv.FormatInt(c.StoredAt.Unix(), 10))
	res := http.Response{
		StatusCode:    c.Status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(c.Body)),
		ContentLength: int64(len(c.Body)),
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FromBytes parses a serialized response back into a CachedResponse.
func FromBytes(b []byte) (CachedResponse, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return CachedResponse{}, fmt.Errorf("reading stored response: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return CachedResponse{}, fmt.Errorf("reading stored body: %w", err)
	}
	storedAt := time.Time{}
	if unix, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64); err == nil {
		storedAt = time.Unix(unix, 0)
	}
	res.Header.Del(storedAtHeaderName)
	return CachedResponse{
		Status:   res.StatusCode,
		Header:   res.Header,
		Body:     body,
		StoredAt: storedAt,
	}, nil
}

// WriteTo replays the response to a client.
func (c CachedResponse) WriteTo(w http.ResponseWriter) error {
	for name, values := range c.Header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(c.Status)
	_, err := w.Write(c.Body)
	return err
}
