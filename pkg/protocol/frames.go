// Package protocol defines the wire format spoken between a paired client and
// the trading node's WebSocket endpoint. Every message is a JSON object whose
// "type" field selects the concrete shape.
package protocol

import "encoding/json"

// Message types (values of the "type" discriminator).
const (
	TypeSubscriptionRequest  = "SubscriptionRequest"
	TypeUnsubscribeRequest   = "UnsubscribeRequest"
	TypeSubscriptionResponse = "SubscriptionResponse"
	TypeRestAPIRequest       = "WebSocketRestApiRequest"
	TypeRestAPIResponse      = "WebSocketRestApiResponse"
	TypeEvent                = "WebSocketEvent"
)

// ModificationType tells a subscriber how to apply an event payload.
type ModificationType string

const (
	ModificationReplace ModificationType = "REPLACE"
	ModificationAdded   ModificationType = "ADDED"
	ModificationRemoved ModificationType = "REMOVED"
)

// SubscriptionRequest asks the node to start pushing events for a topic.
// The RequestID doubles as the subscriber id carried by later events.
type SubscriptionRequest struct {
	Type      string  `json:"type"` // always "SubscriptionRequest"
	RequestID string  `json:"requestId"`
	Topic     string  `json:"topic"`
	Parameter *string `json:"parameter,omitempty"`
}

// UnsubscribeRequest stops a subscription previously opened for topic/parameter.
type UnsubscribeRequest struct {
	Type      string  `json:"type"` // always "UnsubscribeRequest"
	RequestID string  `json:"requestId"`
	Topic     string  `json:"topic"`
	Parameter *string `json:"parameter,omitempty"`
}

// SubscriptionResponse acknowledges a subscription and carries the initial state.
type SubscriptionResponse struct {
	Type         string  `json:"type"`
	RequestID    string  `json:"requestId"`
	Payload      *string `json:"payload,omitempty"`
	ErrorMessage *string `json:"errorMessage,omitempty"`
}

// RestAPIRequest tunnels a REST call over the WebSocket.
type RestAPIRequest struct {
	Type      string            `json:"type"` // always "WebSocketRestApiRequest"
	RequestID string            `json:"requestId"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Body      string            `json:"body"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// RestAPIResponse is the node's answer to a RestAPIRequest.
type RestAPIResponse struct {
	Type       string `json:"type"`
	RequestID  string `json:"requestId"`
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// OK reports a 2xx status.
func (r *RestAPIResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Event is pushed by the node for an active subscription.
type Event struct {
	Type             string           `json:"type"` // always "WebSocketEvent"
	Topic            string           `json:"topic"`
	SubscriberID     string           `json:"subscriberId"`
	Payload          *string          `json:"payload,omitempty"`
	ModificationType ModificationType `json:"modificationType"`
	SequenceNumber   int64            `json:"sequenceNumber"`
}

// NewSubscriptionRequest creates a subscription request. An empty parameter is omitted.
func NewSubscriptionRequest(requestID, topic, parameter string) *SubscriptionRequest {
	return &SubscriptionRequest{
		Type:      TypeSubscriptionRequest,
		RequestID: requestID,
		Topic:     topic,
		Parameter: optional(parameter),
	}
}

// NewUnsubscribeRequest creates an unsubscribe request.
func NewUnsubscribeRequest(requestID, topic, parameter string) *UnsubscribeRequest {
	return &UnsubscribeRequest{
		Type:      TypeUnsubscribeRequest,
		RequestID: requestID,
		Topic:     topic,
		Parameter: optional(parameter),
	}
}

// NewRestAPIRequest creates a tunnelled REST request.
func NewRestAPIRequest(requestID, method, path, body string, headers map[string]string) *RestAPIRequest {
	return &RestAPIRequest{
		Type:      TypeRestAPIRequest,
		RequestID: requestID,
		Method:    method,
		Path:      path,
		Body:      body,
		Headers:   headers,
	}
}

// ParseMessageType extracts the "type" discriminator from raw JSON bytes.
func ParseMessageType(data []byte) (string, error) {
	var raw struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", err
	}
	return raw.Type, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
