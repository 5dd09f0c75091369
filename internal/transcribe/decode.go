package transcribe

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

var errUnknownShape = errors.New("unrecognized transcription response shape")

// sttResponse covers the object shapes speech-to-text engines return: a flat
// text field, a list of segments, or one transcript per audio channel.
type sttResponse struct {
	Text        *string       `json:"text"`
	Segments    []sttSegment  `json:"segments"`
	Transcripts []sttResponse `json:"transcripts"`
}

type sttSegment struct {
	Text string `json:"text"`
}

// decodeResponse normalizes an engine payload into one flat string.
// A bare JSON string is accepted as-is.
func decodeResponse(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", errUnknownShape
	}
	switch data[0] {
	case '"':
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return "", err
		}
		return text, nil
	case '{':
		var resp sttResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return "", err
		}
		if text, ok := resp.flatten(); ok {
			return text, nil
		}
	}
	return "", errUnknownShape
}

func (r sttResponse) flatten() (string, bool) {
	switch {
	case r.Text != nil:
		return *r.Text, true
	case len(r.Segments) > 0:
		parts := make([]string, len(r.Segments))
		for i, s := range r.Segments {
			parts[i] = s.Text
		}
		return strings.Join(parts, " "), true
	case len(r.Transcripts) > 0:
		parts := make([]string, 0, len(r.Transcripts))
		for _, t := range r.Transcripts {
			if text, ok := t.flatten(); ok {
				parts = append(parts, text)
			}
		}
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, " "), true
	}
	return "", false
}
