package channel

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blastline/campaign-engine/internal/platform/messagebroker"
)

type fakeStateReader struct {
	states map[string]string
}

func (f *fakeStateReader) State(_ context.Context, sessionID string) (string, error) {
	if s, ok := f.states[sessionID]; ok {
		return s, nil
	}
	return "absent", nil
}

// fakeRequester answers check and send subjects with canned responses.
type fakeRequester struct {
	checkResponse messagebroker.CheckResponse
	sendResponse  messagebroker.SendResponse
	sendErr       error
	sentRequests  []messagebroker.SendRequest
}

func (f *fakeRequester) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	switch {
	case len(subject) > len(messagebroker.SubjectSessionCheckPrefix) && subject[:len(messagebroker.SubjectSessionCheckPrefix)] == messagebroker.SubjectSessionCheckPrefix:
		return json.Marshal(f.checkResponse)
	default:
		if f.sendErr != nil {
			return nil, f.sendErr
		}
		var req messagebroker.SendRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		f.sentRequests = append(f.sentRequests, req)
		return json.Marshal(f.sendResponse)
	}
}

func TestSessionChannel_SendHappyPath(t *testing.T) {
	requester := &fakeRequester{
		checkResponse: messagebroker.CheckResponse{Registered: true},
		sendResponse:  messagebroker.SendResponse{State: "sent", TransportMessageID: "wa-msg-1"},
	}
	states := &fakeStateReader{states: map[string]string{"sess-1": "connected"}}
	ch := NewSessionChannel(requester, states, time.Second, testLogger())

	id, err := ch.Send(context.Background(), SendRequest{
		DeliveryRecordID: uuid.New(),
		SessionID:        "sess-1",
		Destination:      "+4915112345678",
		Content:          "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "wa-msg-1", id)

	require.Len(t, requester.sentRequests, 1)
	assert.NotEmpty(t, requester.sentRequests[0].RequestID, "each send carries a unique request id")
	assert.Equal(t, "+4915112345678", requester.sentRequests[0].Destination)
}

func TestSessionChannel_SessionNotConnectedFailsImmediately(t *testing.T) {
	requester := &fakeRequester{}
	states := &fakeStateReader{states: map[string]string{"sess-1": "disconnected"}}
	ch := NewSessionChannel(requester, states, time.Second, testLogger())

	_, err := ch.Send(context.Background(), SendRequest{SessionID: "sess-1", Destination: "+49151"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, requester.sentRequests, "no request leaves the process for a dead session")
}

func TestSessionChannel_AbsentSessionFailsImmediately(t *testing.T) {
	ch := NewSessionChannel(&fakeRequester{}, &fakeStateReader{states: map[string]string{}}, time.Second, testLogger())

	_, err := ch.Send(context.Background(), SendRequest{SessionID: "ghost", Destination: "+49151"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSessionChannel_UnregisteredDestinationIsUnreachable(t *testing.T) {
	requester := &fakeRequester{checkResponse: messagebroker.CheckResponse{Registered: false}}
	states := &fakeStateReader{states: map[string]string{"sess-1": "connected"}}
	ch := NewSessionChannel(requester, states, time.Second, testLogger())

	_, err := ch.Send(context.Background(), SendRequest{SessionID: "sess-1", Destination: "+49151"})
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestSessionChannel_TimeoutSurfacesAsSendTimeout(t *testing.T) {
	requester := &fakeRequester{
		checkResponse: messagebroker.CheckResponse{Registered: true},
		sendErr:       context.DeadlineExceeded,
	}
	states := &fakeStateReader{states: map[string]string{"sess-1": "connected"}}
	ch := NewSessionChannel(requester, states, 50*time.Millisecond, testLogger())

	_, err := ch.Send(context.Background(), SendRequest{SessionID: "sess-1", Destination: "+49151"})
	assert.ErrorIs(t, err, ErrSendTimeout)
}

func TestSessionChannel_FailedResponseIsTransportError(t *testing.T) {
	requester := &fakeRequester{
		checkResponse: messagebroker.CheckResponse{Registered: true},
		sendResponse:  messagebroker.SendResponse{State: "failed", Error: "driver rejected message"},
	}
	states := &fakeStateReader{states: map[string]string{"sess-1": "connected"}}
	ch := NewSessionChannel(requester, states, time.Second, testLogger())

	_, err := ch.Send(context.Background(), SendRequest{SessionID: "sess-1", Destination: "+49151"})
	var tErr *TransportError
	require.True(t, errors.As(err, &tErr))
	assert.Contains(t, tErr.Error(), "driver rejected message")
}
