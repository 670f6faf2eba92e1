package session_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chat-widget/internal/chat"
	"github.com/whisper/chat-widget/internal/protocol"
	"github.com/whisper/chat-widget/internal/session"
	"github.com/whisper/chat-widget/internal/stubserver"
	"github.com/whisper/chat-widget/internal/ws"
)

func setup(t *testing.T, cfg stubserver.Config, opts ...session.Option) (*session.Client, *stubserver.Server) {
	t.Helper()
	stub := stubserver.New(cfg, nil)
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	tcfg := ws.DefaultTransportConfig()
	tcfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/widget"
	tcfg.WidgetKey = "wk_test"
	tcfg.ChatbotID = "bot-1"
	tcfg.Reconnect.Enabled = false
	tr, err := ws.NewTransport(tcfg, nil)
	require.NoError(t, err)

	c := session.New(tr, opts...)
	t.Cleanup(c.Close)
	return c, stub
}

// waitFor blocks until a snapshot satisfies cond.
func waitFor(t *testing.T, c *session.Client, cond func(chat.State) bool) chat.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	updates := c.Subscribe(ctx)
	if s := c.Snapshot(); cond(s) {
		return s
	}
	for {
		select {
		case s, ok := <-updates:
			if !ok {
				t.Fatal("subscription closed before condition was met")
			}
			if cond(s) {
				return s
			}
		case <-ctx.Done():
			t.Fatalf("timed out; last state: %+v", c.Snapshot())
		}
	}
}

func TestSession_ConversationRoundTrip(t *testing.T) {
	c, stub := setup(t, stubserver.Config{Greeting: "Hi, how can I help?"})

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, chat.StatusConnected, c.Snapshot().Connection.Status)

	require.NoError(t, c.HandleInputChange("help"))
	require.NoError(t, c.HandleSubmit())

	snap := waitFor(t, c, func(s chat.State) bool {
		for _, m := range s.Messages {
			if m.Content == "You said: help" {
				return true
			}
		}
		return false
	})

	require.NotNil(t, snap.Connection.ConversationID)
	assert.Equal(t, chat.PhaseActive, snap.Phase)
	assert.False(t, snap.IsLoading)

	var roles []chat.Role
	for _, m := range snap.Messages {
		roles = append(roles, m.Role)
	}
	assert.Equal(t, []chat.Role{chat.RoleAssistant, chat.RoleUser, chat.RoleAssistant}, roles)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	join, err := stub.WaitFor(ctx, protocol.TypeJoinConversation)
	require.NoError(t, err)
	assert.Equal(t, c.SessionID(), join.Msg.(protocol.JoinConversationMsg).SessionID)
}

func TestSession_OptimisticEchoAgainstServer(t *testing.T) {
	c, _ := setup(t, stubserver.Config{}, session.WithOptimisticEcho(true))
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.HandleInputChange("ping me"))
	require.NoError(t, c.HandleSubmit())

	snap := waitFor(t, c, func(s chat.State) bool { return len(s.Messages) >= 2 && !s.IsLoading })

	users := 0
	for _, m := range snap.Messages {
		if m.Role == chat.RoleUser {
			users++
			assert.False(t, m.IsClientOriginated, "echo replaced the pending copy")
		}
	}
	assert.Equal(t, 1, users)
}

func TestSession_ServerEndsConversation(t *testing.T) {
	c, _ := setup(t, stubserver.Config{})
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Join())
	waitFor(t, c, func(s chat.State) bool { return s.Phase == chat.PhaseActive })

	require.NoError(t, c.HandleEndConversation())

	snap := c.Snapshot()
	assert.Equal(t, chat.PhaseEnded, snap.Phase)
	assert.Nil(t, snap.Connection.ConversationID)
	assert.ErrorIs(t, c.HandleEndConversation(), session.ErrNoConversation)
}

func TestSession_AgentHandoff(t *testing.T) {
	c, stub := setup(t, stubserver.Config{})
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Join())
	waitFor(t, c, func(s chat.State) bool { return s.Phase == chat.PhaseActive })

	require.NoError(t, stub.Push(protocol.TypeQueueUpdate, map[string]int{"position": 3}))
	require.NoError(t, stub.Push(protocol.TypeQueueUpdate, map[string]int{"position": 1}))
	require.NoError(t, stub.Push(protocol.TypeAgentJoined, protocol.AgentJoined{AgentName: "Sam"}))

	snap := waitFor(t, c, func(s chat.State) bool { return s.Connection.AgentPresent })
	require.NotNil(t, snap.Connection.QueuePosition)
	assert.Equal(t, 1, *snap.Connection.QueuePosition)
	assert.Contains(t, snap.Messages[len(snap.Messages)-1].Content, "Sam")
}

func TestSession_SummaryAndDisconnect(t *testing.T) {
	c, _ := setup(t, stubserver.Config{})
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Join())
	waitFor(t, c, func(s chat.State) bool { return s.Phase == chat.PhaseActive })

	require.NoError(t, c.RequestSummary())
	snap := waitFor(t, c, func(s chat.State) bool { return s.LastSummary != nil })
	assert.NotEmpty(t, snap.LastSummary.Text)

	c.Disconnect()
	snap = c.Snapshot()
	assert.Equal(t, chat.StatusDisconnected, snap.Connection.Status)
	assert.Nil(t, snap.Connection.ConversationID)

	c.Disconnect()
	assert.Equal(t, snap, c.Snapshot())
}

func TestSession_MalformedServerFramesAreDropped(t *testing.T) {
	c, stub := setup(t, stubserver.Config{})
	require.NoError(t, c.Connect(context.Background()))

	stub.PushRaw([]byte(`{not json`))
	stub.PushRaw([]byte(`{"type":"queue-update"}`))
	require.NoError(t, stub.Push(protocol.TypeQueueUpdate, protocol.QueueUpdate{Position: intPtr(3)}))

	snap := waitFor(t, c, func(s chat.State) bool { return s.Connection.QueuePosition != nil })
	assert.Equal(t, 3, *snap.Connection.QueuePosition)
	assert.Equal(t, chat.StatusConnected, snap.Connection.Status)
}

func intPtr(i int) *int { return &i }
