package domain

import "time"

// GatewayStatus classifies the outcome of one answer gateway dispatch.
type GatewayStatus string

const (
	GatewayNotConfigured GatewayStatus = "NOT_CONFIGURED"
	GatewayConnected     GatewayStatus = "CONNECTED"
	GatewayTimeout       GatewayStatus = "TIMEOUT"
	GatewayError         GatewayStatus = "ERROR"
)

// GatewayRequest is the payload sent to the external answer engine.
type GatewayRequest struct {
	Query          string
	ConversationID string
	UserID         string
	UserName       string
	Timestamp      time.Time
}

// GatewayResult carries content only when Status is GatewayConnected.
type GatewayResult struct {
	Status  GatewayStatus
	Content string
	Sources []Source
}

// Answered reports whether the result holds a usable live answer.
func (r GatewayResult) Answered() bool {
	return r.Status == GatewayConnected && r.Content != ""
}
