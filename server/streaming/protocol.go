package streaming

import (
	"encoding/json"
)

// Wire message types.
const (
	TypeConnected  = "connected"
	TypeSubscribe  = "subscribe"
	TypeSubscribed = "subscribed"
	TypeError      = "error"
	TypeNewLog     = "new_log"
)

const (
	greetingText         = "Connected to PromptLens live stream. Send a subscribe message with your token."
	subscribedText       = "Subscribed to workspace logs"
	invalidTokenText     = "Invalid or expired token"
	handshakeTimeoutText = "Subscription handshake timed out"
)

// Message is the union of every frame on the stream. Clients decode into it
// and switch on Type; Data stays raw so callers pick the record type.
type Message struct {
	Type        string          `json:"type"`
	Message     string          `json:"message,omitempty"`
	WorkspaceID string          `json:"workspaceId,omitempty"`
	Token       string          `json:"token,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

type textMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type subscribedMessage struct {
	Type        string `json:"type"`
	WorkspaceID string `json:"workspaceId"`
	Message     string `json:"message"`
}

type newLogMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func encodeGreeting() []byte {
	data, _ := json.Marshal(textMessage{Type: TypeConnected, Message: greetingText})
	return data
}

func encodeSubscribed(workspaceID string) []byte {
	data, _ := json.Marshal(subscribedMessage{Type: TypeSubscribed, WorkspaceID: workspaceID, Message: subscribedText})
	return data
}

func encodeError(msg string) []byte {
	data, _ := json.Marshal(textMessage{Type: TypeError, Message: msg})
	return data
}

// EncodeNewLog frames one record for broadcast.
func EncodeNewLog(record any) ([]byte, error) {
	return json.Marshal(newLogMessage{Type: TypeNewLog, Data: record})
}

// EncodeSubscribe builds the client's subscribe frame.
func EncodeSubscribe(token string) []byte {
	data, _ := json.Marshal(struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	}{TypeSubscribe, token})
	return data
}

// parseSubscribe reports whether data is a subscribe frame and, if so, the
// token it carries. A token that is absent or not a string comes back empty.
func parseSubscribe(data []byte) (token string, ok bool) {
	var frame struct {
		Type  string          `json:"type"`
		Token json.RawMessage `json:"token"`
	}
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != TypeSubscribe {
		return "", false
	}
	if err := json.Unmarshal(frame.Token, &token); err != nil {
		return "", true
	}
	return token, true
}
