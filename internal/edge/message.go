package edge

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var errShortFrame = errors.New("binary frame shorter than its header")

// parseHeaders reads "Key:Value" lines separated by CRLF.
func parseHeaders(block []byte) map[string]string {
	headers := make(map[string]string)
	for _, line := range bytes.Split(block, []byte("\r\n")) {
		key, value, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			continue
		}
		headers[string(bytes.TrimSpace(key))] = string(bytes.TrimSpace(value))
	}
	return headers
}

// parseTextMessage splits a text frame into its headers and body.
func parseTextMessage(data []byte) (map[string]string, []byte) {
	head, body, _ := bytes.Cut(data, []byte("\r\n\r\n"))
	return parseHeaders(head), body
}

// parseBinaryMessage decodes a binary frame: a big-endian uint16 header
// length, the header block, then the audio payload.
func parseBinaryMessage(data []byte) (map[string]string, []byte, error) {
	if len(data) < 2 {
		return nil, nil, errShortFrame
	}
	size := int(binary.BigEndian.Uint16(data[:2]))
	if len(data) < 2+size {
		return nil, nil, fmt.Errorf("%w: header length %d, frame length %d", errShortFrame, size, len(data))
	}
	return parseHeaders(data[2 : 2+size]), data[2+size:], nil
}

func speechConfigMessage(now time.Time, outputFormat string) string {
	return "X-Timestamp:" + timestamp(now) + "\r\n" +
		"Content-Type:application/json; charset=utf-8\r\n" +
		"Path:speech.config\r\n\r\n" +
		`{"context":{"synthesis":{"audio":{"metadataoptions":{` +
		`"sentenceBoundaryEnabled":"false","wordBoundaryEnabled":"false"},` +
		`"outputFormat":"` + outputFormat + `"}}}}` + "\r\n"
}

// ssmlMessage wraps ssml for the wire. The trailing Z on X-Timestamp matches
// what the browser sends.
func ssmlMessage(now time.Time, requestID, ssml string) string {
	return "X-RequestId:" + requestID + "\r\n" +
		"Content-Type:application/ssml+xml\r\n" +
		"X-Timestamp:" + timestamp(now) + "Z\r\n" +
		"Path:ssml\r\n\r\n" +
		ssml
}
