// Package api implements the tag-mutation endpoint: request/response JSON
// envelopes, ISO-8601 timestamp parsing, and wiring into the tag store.
// This is plumbing around the concurrent core, not the core itself.
package api

import (
	"encoding/json"
	"io"
	"log"
	"strconv"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/tagit-io/tagd/internal/httpd"
	"github.com/tagit-io/tagd/internal/tagstore"
)

const (
	missingBodyError  = "Request had no body"
	bodyTooLargeError = "Request body exceeds the configured maximum"
	jsonParseError    = "Couldn't parse request JSON"
	tsParseError      = "Couldn't parse timestamp, expected zoned ISO 8601"
)

// TagRequest is the POST /api/tags request body.
type TagRequest struct {
	User      string   `json:"user"`
	Add       []string `json:"add"`
	Remove    []string `json:"remove"`
	Timestamp string   `json:"timestamp"`
}

// TagResponse is the POST /api/tags response body.
type TagResponse struct {
	User string   `json:"user"`
	Tags []string `json:"tags"`
}

// TagHandler implements router.Handler for POST /api/tags.
type TagHandler struct {
	Store *tagstore.Store

	// MaxBodyBytes caps the allowed request body size (config's
	// TAGD_API_MAX_BODY_BYTES). A request whose Content-Length exceeds it
	// is rejected before the body buffer is allocated. Zero or negative
	// disables the cap.
	MaxBodyBytes int64
}

// Handle reads the request body, applies the mutation to the store, and
// writes back the user's current tag set.
func (h *TagHandler) Handle(req *httpd.Request) error {
	length := -1
	if cl := req.Header("Content-Length"); cl != "" {
		if n, err := strconv.Atoi(cl); err == nil {
			length = n
		}
	}
	if length < 0 {
		return writePlainError(req, 400, missingBodyError)
	}
	if h.MaxBodyBytes > 0 && int64(length) > h.MaxBodyBytes {
		return writePlainError(req, 413, bodyTooLargeError)
	}

	raw := make([]byte, length)
	if _, err := io.ReadFull(req.Body(), raw); err != nil {
		return writePlainError(req, 400, missingBodyError)
	}

	log.Printf("api: POST /api/tags remote=%s fingerprint=%x", req.RemoteAddr(), xxh3.Hash(raw))

	var tagReq TagRequest
	if err := json.Unmarshal(raw, &tagReq); err != nil {
		return writePlainError(req, 400, jsonParseError)
	}

	ts, err := parseTimestampMillis(tagReq.Timestamp)
	if err != nil || ts <= 0 {
		return writePlainError(req, 400, tsParseError)
	}

	removed := make(map[string]bool, len(tagReq.Remove))
	for _, tag := range tagReq.Remove {
		removed[tag] = true
	}
	for _, tag := range tagReq.Add {
		if !removed[tag] {
			h.Store.Add(tagReq.User, tag, ts)
		}
	}
	for _, tag := range tagReq.Remove {
		h.Store.Remove(tagReq.User, tag, ts)
	}

	resp := TagResponse{
		User: tagReq.User,
		Tags: h.Store.ListPresent(tagReq.User),
	}
	if resp.Tags == nil {
		resp.Tags = []string{}
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return writePlainError(req, 500, err.Error())
	}

	if err := req.SendPreamble(200, len(body)); err != nil {
		return err
	}
	_, err = req.Write(body)
	return err
}

// parseTimestampMillis parses a zoned ISO-8601 timestamp and returns UTC
// epoch milliseconds.
func parseTimestampMillis(s string) (int64, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().UnixMilli(), nil
		}
	}
	return 0, &httpd.ParseError{Reason: "unparsable timestamp"}
}

func writePlainError(req *httpd.Request, status int, message string) error {
	body := []byte(message)
	if err := req.SendPreamble(status, len(body)); err != nil {
		return err
	}
	_, err := req.Write(body)
	return err
}
