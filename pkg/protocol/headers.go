package protocol

// HTTP headers carrying client authentication. They are sent on every REST
// call, on the WebSocket upgrade request and inside tunnelled RestAPIRequests.
const (
	HeaderClientID  = "Client-Id"
	HeaderSessionID = "Session-Id"
	HeaderNonce     = "Auth-Nonce"
	HeaderTimestamp = "Auth-Timestamp"
	HeaderSignature = "Auth-Signature"
)

// Endpoint paths relative to the node's API base URL.
const (
	PathPairing   = "/access/pairing"
	PathSession   = "/access/session"
	PathWebSocket = "/websocket"
	APIBasePath   = "/api/v1"
)
