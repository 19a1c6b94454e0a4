// Package serializer encodes cached responses for the embedded key-value storage.
// A cached response is kept as two records: the payload and the store time.
package serializer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var ErrCorruptPayload = errors.New("corrupt cache payload")

// Payload is the authoritative part of a cached response.
type Payload struct {
	Status  int         `json:"status"`
	URL     string      `json:"url"`
	Headers http.Header `json:"headers"`
	Body    []byte      `json:"body"`
}

func EncodePayload(p Payload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// DecodePayload returns an error wrapping ErrCorruptPayload if b is not a payload.
func DecodePayload(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	if p.Status == 0 {
		return p, fmt.Errorf("%w: missing status", ErrCorruptPayload)
	}
	if p.Headers == nil {
		p.Headers = make(http.Header)
	}
	return p, nil
}

// EncodeTime formats t as fractional unix seconds, e.g. "1700000000.25".
func EncodeTime(t time.Time) []byte {
	secs := float64(t.UnixNano()) / float64(time.Second)
	return []byte(strconv.FormatFloat(secs, 'f', -1, 64))
}

func DecodeTime(b []byte) (time.Time, error) {
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrCorruptPayload, b)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*float64(time.Second))), nil
}
