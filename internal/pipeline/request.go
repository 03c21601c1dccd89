package pipeline

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"chatcore/internal/apperr"
)

const (
	maxClientMessageID = 128
	maxNonce           = 255
	maxMetadataBytes   = 4096
)

// sendRequest is a chat:send payload after the shape check.
type sendRequest struct {
	ChatID          uint
	ClientMessageID string
	Nonce           string
	Ciphertext      string
	SentAt          time.Time
	Metadata        string
}

type sendWire struct {
	ChatID          *uint           `json:"chatId"`
	ClientMessageID *string         `json:"clientMessageId"`
	Nonce           *string         `json:"nonce"`
	Ciphertext      *string         `json:"ciphertext"`
	SentAt          json.RawMessage `json:"sentAt"`
	Metadata        json.RawMessage `json:"metadata"`
}

func parseSend(raw []byte) (*sendRequest, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, apperr.BadPayload("payload is required")
	}
	var w sendWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, apperr.BadPayload("payload fields have the wrong type")
	}
	switch {
	case w.ChatID == nil || *w.ChatID == 0:
		return nil, apperr.BadPayload("chatId is required")
	case w.ClientMessageID == nil || strings.TrimSpace(*w.ClientMessageID) == "":
		return nil, apperr.BadPayload("clientMessageId is required")
	case len(*w.ClientMessageID) > maxClientMessageID:
		return nil, apperr.BadPayload("clientMessageId is too long")
	case w.Nonce == nil || *w.Nonce == "":
		return nil, apperr.BadPayload("nonce is required")
	case len(*w.Nonce) > maxNonce:
		return nil, apperr.BadPayload("nonce is too long")
	case w.Ciphertext == nil || *w.Ciphertext == "":
		return nil, apperr.BadPayload("ciphertext is required")
	}
	sentAt, err := parseTimestamp(w.SentAt)
	if err != nil {
		return nil, err
	}
	meta, err := compactMetadata(w.Metadata)
	if err != nil {
		return nil, err
	}
	return &sendRequest{
		ChatID:          *w.ChatID,
		ClientMessageID: *w.ClientMessageID,
		Nonce:           *w.Nonce,
		Ciphertext:      *w.Ciphertext,
		SentAt:          sentAt,
		Metadata:        meta,
	}, nil
}

// parseTimestamp accepts an RFC 3339 string or integer Unix milliseconds.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, apperr.BadPayload("sentAt is required")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, apperr.BadPayload("sentAt must be RFC 3339")
		}
		return t, nil
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, apperr.BadPayload("sentAt must be RFC 3339 or Unix milliseconds")
	}
	return time.UnixMilli(ms), nil
}

func compactMetadata(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", apperr.BadPayload("metadata must be JSON")
	}
	if buf.Len() > maxMetadataBytes {
		return "", apperr.BadPayload("metadata is too large")
	}
	return buf.String(), nil
}
