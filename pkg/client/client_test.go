package client

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/pkg/engine/handlers/trigger"
	"github.com/wehubfusion/Daedalus/pkg/engine/runtime"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/message/messagetest"
)

func TestNewClientWithJSContext_Submit(t *testing.T) {
	js := messagetest.NewMockJS()
	c, err := NewClientWithJSContext(js, nil)
	require.NoError(t, err)

	req := message.NewExecutionRequest(runtime.WorkflowNode{ID: "d1", Type: runtime.NodeTypeDelay}, nil, nil)
	require.NoError(t, c.Submit(context.Background(), req))

	assert.NotNil(t, js.Stream("EXECUTIONS"))
	assert.NotNil(t, js.Stream("EXECUTION_RESULTS"))

	published := js.Published("daedalus.execution.request")
	require.Len(t, published, 1)
	decoded, err := message.RequestFromBytes(published[0])
	require.NoError(t, err)
	assert.Equal(t, req.ExecutionID, decoded.ExecutionID)
}

func TestClient_CustomSubjects(t *testing.T) {
	js := messagetest.NewMockJS()
	cfg := nats.DefaultConnectionConfig("")
	cfg.RequestSubject = "jobs.run"
	c, err := NewClientWithJSContext(js, cfg)
	require.NoError(t, err)

	require.NoError(t, c.Submit(context.Background(), message.NewExecutionRequest(runtime.WorkflowNode{ID: "d1", Type: runtime.NodeTypeDelay}, nil, nil)))
	assert.Len(t, js.Published("jobs.run"), 1)
}

func TestClient_Notifier(t *testing.T) {
	js := messagetest.NewMockJS()
	c, err := NewClientWithJSContext(js, nil)
	require.NoError(t, err)

	err = c.Notifier().Notify(context.Background(), trigger.Notification{
		Channel:    trigger.ChannelEmail,
		Recipients: []string{"ops@example.com"},
		Subject:    "Workflow error",
		Message:    "boom",
	})
	require.NoError(t, err)

	require.NotNil(t, js.Stream("NOTIFICATIONS"))
	published := js.Published("daedalus.notification")
	require.Len(t, published, 1)

	var got trigger.Notification
	require.NoError(t, json.Unmarshal(published[0], &got))
	assert.Equal(t, trigger.ChannelEmail, got.Channel)
	assert.Equal(t, []string{"ops@example.com"}, got.Recipients)
}

func TestClient_NotConnected(t *testing.T) {
	c := NewClient("nats://localhost:4222")

	assert.False(t, c.IsConnected())
	assert.Equal(t, ConnectionStats{}, c.Stats())
	assert.NoError(t, c.Close())

	err := c.Ping(context.Background())
	assert.True(t, sdkerrors.IsNotConnected(err))

	err = c.Submit(context.Background(), &message.ExecutionRequest{})
	assert.True(t, sdkerrors.IsNotConnected(err))

	err = c.Notifier().Notify(context.Background(), trigger.Notification{})
	assert.True(t, sdkerrors.IsNotConnected(err))
}
