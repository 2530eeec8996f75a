package messagebroker

// NATS subjects shared by the services. Session send/check are
// request/response exchanges; everything else is fire-and-forget publish.
const (
	SubjectCampaignProgress     = "campaigns.progress"
	SubjectCampaignFinished     = "campaigns.finished"
	SubjectCampaignStateChanged = "campaigns.state"

	SubjectSessionState = "sessions.state"
	SubjectSessionEcho  = "sessions.echo"

	// Per-session request subjects; append the session id.
	SubjectSessionSendPrefix  = "sessions.send."
	SubjectSessionCheckPrefix = "sessions.check."
)

// ProgressEvent reports dispatch progress after each batch.
type ProgressEvent struct {
	CampaignID string `json:"campaignId"`
	Sent       int    `json:"sent"`
	Total      int    `json:"total"`
}

type CampaignFinishedEvent struct {
	CampaignID string `json:"campaignId"`
}

type CampaignStateChangedEvent struct {
	CampaignID string `json:"campaignId"`
	State      string `json:"state"`
}

// SessionStateEvent is published on every session FSM transition.
type SessionStateEvent struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
	QRPayload string `json:"qrPayload,omitempty"`
}

// SendRequest/SendResponse form the bounded-wait RPC between the dispatcher
// and the session worker hosting the live session.
type SendRequest struct {
	SessionID   string `json:"sessionId"`
	Destination string `json:"destination"`
	Content     string `json:"content"`
	RequestID   string `json:"requestId"`
}

type SendResponse struct {
	RequestID          string `json:"requestId"`
	State              string `json:"state"` // "sent" or "failed"
	TransportMessageID string `json:"transportMessageId,omitempty"`
	Error              string `json:"error,omitempty"`
}

// CheckRequest/CheckResponse ask the session worker whether a destination is
// registered on the messaging network.
type CheckRequest struct {
	SessionID   string `json:"sessionId"`
	Destination string `json:"destination"`
	RequestID   string `json:"requestId"`
}

type CheckResponse struct {
	RequestID  string `json:"requestId"`
	Registered bool   `json:"registered"`
	Error      string `json:"error,omitempty"`
}

// EchoEvent is the session channel's delivery echo: the driver observed the
// message it just sent, which confirms delivery to the network.
type EchoEvent struct {
	SessionID          string `json:"sessionId"`
	TransportMessageID string `json:"transportMessageId"`
	Destination        string `json:"destination"`
}
