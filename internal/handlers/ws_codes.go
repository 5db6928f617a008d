// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes of the event stream.
const (
	BadSubprotocolError   = 3000 // Client connected with an unsupported subprotocol.
	InvalidAuthTokenError = 3001 // Auth token was missing, invalid or expired.
	SubscribeError        = 3002 // The event channel of the user could not be opened.
)
