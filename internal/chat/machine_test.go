package chat

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chat-widget/internal/protocol"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
func boolPtr(b bool) *bool    { return &b }

func msgEvent(id, sender, content string) protocol.Message {
	return protocol.Message{ID: protocol.MessageID(id), Sender: sender, Content: strPtr(content)}
}

// connectedMachine returns a machine with an active conversation "conv-1".
func connectedMachine(t *testing.T) *Machine {
	t.Helper()
	m := NewMachine(nil)
	require.True(t, m.Apply(protocol.Connect{}))
	require.True(t, m.Apply(protocol.ConversationStarted{ConversationID: "conv-1"}))
	return m
}

func contents(msgs []ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestMachine_InitialState(t *testing.T) {
	m := NewMachine(nil)
	s := m.State()

	assert.Equal(t, StatusDisconnected, s.Connection.Status)
	assert.Nil(t, s.Connection.ConversationID)
	assert.False(t, s.Connection.AgentPresent)
	assert.Nil(t, s.Connection.QueuePosition)
	assert.Equal(t, PhaseNone, s.Phase)
	assert.NotNil(t, s.Messages)
	assert.Empty(t, s.Messages)
}

func TestMachine_ConnectLifecycle(t *testing.T) {
	m := NewMachine(nil)

	assert.True(t, m.SetConnecting())
	assert.Equal(t, StatusConnecting, m.Status())

	assert.True(t, m.Apply(protocol.Connect{}))
	assert.Equal(t, StatusConnected, m.Status())

	// A second connect is not a change.
	assert.False(t, m.Apply(protocol.Connect{}))
	assert.False(t, m.SetConnecting())
}

func TestMachine_ConnectErrorSetsErrorStatus(t *testing.T) {
	m := NewMachine(nil)
	m.SetConnecting()

	assert.True(t, m.Apply(protocol.ConnectError{Message: "dial refused"}))
	assert.Equal(t, StatusError, m.Status())
	assert.False(t, m.Apply(protocol.ConnectError{Message: "again"}))
}

func TestMachine_ConversationStartedRequiresConnection(t *testing.T) {
	m := NewMachine(nil)

	assert.False(t, m.Apply(protocol.ConversationStarted{ConversationID: "conv-1"}))
	_, ok := m.ConversationID()
	assert.False(t, ok)
}

func TestMachine_ConversationStartedReconcilesOptimisticFlag(t *testing.T) {
	m := NewMachine(nil)
	m.Apply(protocol.Connect{})

	require.True(t, m.BeginJoin())
	s := m.State()
	assert.True(t, s.ConversationStarted)
	assert.Nil(t, s.Connection.ConversationID, "optimistic start must not invent an id")

	m.Apply(protocol.ConversationStarted{ConversationID: "conv-9"})
	s = m.State()
	assert.True(t, s.ConversationStarted)
	require.NotNil(t, s.Connection.ConversationID)
	assert.Equal(t, "conv-9", *s.Connection.ConversationID)
	assert.Equal(t, PhaseActive, s.Phase)
}

func TestMachine_BeginJoinOnlyOnce(t *testing.T) {
	m := NewMachine(nil)
	assert.False(t, m.BeginJoin(), "join requires a connection")

	m.Apply(protocol.Connect{})
	assert.True(t, m.BeginJoin())
	assert.False(t, m.BeginJoin())

	m.CancelJoin()
	assert.True(t, m.BeginJoin())
}

func TestMachine_MessageOrderingWithInterleavedEvents(t *testing.T) {
	m := connectedMachine(t)

	events := []protocol.Event{
		msgEvent("1", "user", "one"),
		protocol.Typing{IsTyping: boolPtr(true), Sender: "ai"},
		msgEvent("2", "ai", "two"),
		protocol.QueueUpdate{Position: intPtr(4)},
		protocol.Typing{IsTyping: boolPtr(false), Sender: "ai"},
		msgEvent("3", "agent", "three"),
		protocol.QueueUpdate{Position: intPtr(2)},
		msgEvent("4", "user", "four"),
	}
	for _, ev := range events {
		m.Apply(ev)
	}

	assert.Equal(t, []string{"one", "two", "three", "four"}, contents(m.State().Messages))
}

func TestMachine_MessageRolesAndLoading(t *testing.T) {
	m := connectedMachine(t)
	m.SetLoading(true)

	m.Apply(msgEvent("u1", "user", "hi"))
	assert.True(t, m.IsLoading(), "user echo must not clear loading")

	m.Apply(msgEvent("a1", "ai", "hello"))
	assert.False(t, m.IsLoading())

	msgs := m.State().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, SenderAI, msgs[1].Sender)
	assert.Equal(t, "conv-1", msgs[1].ConversationID)
	assert.False(t, msgs[1].Timestamp.IsZero())
}

func TestMachine_MessageBeforeJoinIsKept(t *testing.T) {
	m := NewMachine(nil)
	m.Apply(protocol.Connect{})

	m.Apply(msgEvent("", "ai", "Welcome! How can I help?"))

	msgs := m.State().Messages
	require.Len(t, msgs, 1)
	assert.NotEmpty(t, msgs[0].ID, "missing server id gets a generated one")
}

func TestMachine_QueueUpdateLastWriteWins(t *testing.T) {
	m := connectedMachine(t)

	m.Apply(protocol.QueueUpdate{Position: intPtr(3)})
	m.Apply(protocol.QueueUpdate{Position: intPtr(1)})

	pos := m.State().Connection.QueuePosition
	require.NotNil(t, pos)
	assert.Equal(t, 1, *pos)
}

func TestMachine_AgentJoined(t *testing.T) {
	m := connectedMachine(t)

	assert.True(t, m.Apply(protocol.AgentJoined{AgentName: "Sam"}))

	s := m.State()
	assert.True(t, s.Connection.AgentPresent)
	require.Len(t, s.Messages, 1)
	assert.Contains(t, s.Messages[0].Content, "Sam")
	assert.Equal(t, RoleSystem, s.Messages[0].Role)
}

func TestMachine_AgentJoinedWithoutConversationIgnored(t *testing.T) {
	m := NewMachine(nil)
	m.Apply(protocol.Connect{})

	assert.False(t, m.Apply(protocol.AgentJoined{AgentName: "Sam"}))
	assert.False(t, m.State().Connection.AgentPresent)
}

func TestMachine_ConversationEndedTeardown(t *testing.T) {
	m := connectedMachine(t)
	m.Apply(protocol.AgentJoined{AgentName: "Sam"})
	before := len(m.State().Messages)

	assert.True(t, m.Apply(protocol.ConversationEnded{}))

	s := m.State()
	assert.Nil(t, s.Connection.ConversationID)
	assert.False(t, s.Connection.AgentPresent)
	assert.Equal(t, PhaseEnded, s.Phase)
	assert.Len(t, s.Messages, before+1)
	assert.Equal(t, RoleSystem, s.Messages[len(s.Messages)-1].Role)

	// Ending again, from either side, changes nothing.
	_, ok := m.EndConversation()
	assert.False(t, ok)
	assert.False(t, m.Apply(protocol.ConversationEnded{}))
	assert.Len(t, m.State().Messages, before+1)
}

func TestMachine_EndConversationIntent(t *testing.T) {
	m := connectedMachine(t)

	id, ok := m.EndConversation()
	require.True(t, ok)
	assert.Equal(t, "conv-1", id)

	// The late server confirmation is absorbed.
	assert.False(t, m.Apply(protocol.ConversationEnded{ConversationID: "conv-1"}))
	assert.Len(t, m.State().Messages, 1)
}

func TestMachine_ConversationTransferredStaysActive(t *testing.T) {
	m := connectedMachine(t)

	assert.True(t, m.Apply(protocol.ConversationTransferred{Department: "billing"}))

	s := m.State()
	assert.Equal(t, PhaseActive, s.Phase)
	require.Len(t, s.Messages, 1)
	assert.Contains(t, s.Messages[0].Content, "billing")
}

func TestMachine_DisconnectClearsConversation(t *testing.T) {
	m := connectedMachine(t)
	m.Apply(protocol.AgentJoined{AgentName: "Sam"})
	m.Apply(protocol.QueueUpdate{Position: intPtr(2)})
	m.SetLoading(true)

	assert.True(t, m.Apply(protocol.Disconnect{Reason: "transport close"}))

	s := m.State()
	assert.Equal(t, StatusDisconnected, s.Connection.Status)
	assert.Nil(t, s.Connection.ConversationID)
	assert.False(t, s.Connection.AgentPresent)
	assert.Nil(t, s.Connection.QueuePosition)
	assert.Equal(t, PhaseNone, s.Phase)
	assert.False(t, s.ConversationStarted)
	assert.False(t, s.IsLoading)
	assert.Len(t, s.Messages, 1, "transcript survives a disconnect")
}

func TestMachine_DisconnectWhenDisconnectedIsNoop(t *testing.T) {
	m := NewMachine(nil)
	before := m.State()

	assert.False(t, m.Apply(protocol.Disconnect{Reason: "io client disconnect"}))
	assert.Equal(t, before, m.State())
}

func TestMachine_ServerErrorDoesNotTransition(t *testing.T) {
	m := connectedMachine(t)
	before := m.State()

	assert.False(t, m.Apply(protocol.ServerError{Code: "rate_limited", Message: "slow down"}))
	assert.Equal(t, before, m.State())
}

func TestMachine_TypingLatestWins(t *testing.T) {
	m := connectedMachine(t)

	m.Apply(protocol.Typing{IsTyping: boolPtr(true), Sender: "ai"})
	m.Apply(protocol.AgentTyping{IsTyping: boolPtr(true), AgentName: "Sam"})

	typing := m.State().Typing
	assert.True(t, typing.IsTyping)
	assert.Equal(t, "agent", typing.Sender)
	assert.Equal(t, "Sam", typing.AgentName)

	m.Apply(protocol.Typing{IsTyping: boolPtr(false), Sender: "ai"})
	assert.Equal(t, TypingState{IsTyping: false, Sender: "ai"}, m.State().Typing)
}

func TestMachine_SummaryStoredOutsideConnectionState(t *testing.T) {
	m := connectedMachine(t)

	assert.True(t, m.Apply(protocol.ConversationSummary{Summary: "asked about pricing", KeyPoints: []string{"pricing"}}))

	s := m.State()
	require.NotNil(t, s.LastSummary)
	assert.Equal(t, "asked about pricing", s.LastSummary.Text)
}

func TestMachine_RegenerateTruncates(t *testing.T) {
	m := connectedMachine(t)
	m.Apply(msgEvent("u1", "user", "hi"))
	m.Apply(msgEvent("a1", "ai", "hello"))

	content, err := m.Regenerate("a1", "")
	require.NoError(t, err)
	assert.Equal(t, "hi", content)
	assert.Equal(t, []string{"hi"}, contents(m.State().Messages))
}

func TestMachine_RegenerateReplacesUserMessageOnEcho(t *testing.T) {
	m := connectedMachine(t)
	m.Apply(msgEvent("u1", "user", "hi"))
	m.Apply(msgEvent("a1", "ai", "hello"))

	_, err := m.Regenerate("a1", "retry-1")
	require.NoError(t, err)

	echo := msgEvent("u2", "user", "hi")
	echo.ClientMessageID = "retry-1"
	m.Apply(echo)
	m.Apply(msgEvent("a2", "ai", "hello again"))

	msgs := m.State().Messages
	assert.Equal(t, []string{"hi", "hello again"}, contents(msgs))
	assert.Equal(t, "u2", msgs[0].ID)
}

func TestMachine_RegenerateGuards(t *testing.T) {
	m := connectedMachine(t)
	m.Apply(msgEvent("a0", "ai", "welcome"))
	m.Apply(msgEvent("u1", "user", "hi"))
	m.Apply(msgEvent("a1", "ai", "hello"))

	_, err := m.Regenerate("missing", "")
	assert.ErrorIs(t, err, ErrMessageNotFound)

	_, err = m.Regenerate("u1", "")
	assert.ErrorIs(t, err, ErrNothingToRegenerate)

	_, err = m.Regenerate("a0", "")
	assert.ErrorIs(t, err, ErrNothingToRegenerate)

	m.SetLoading(true)
	_, err = m.Regenerate("a1", "")
	assert.ErrorIs(t, err, ErrAlreadyLoading)

	assert.Len(t, m.State().Messages, 3, "failed regenerations leave the log intact")
}

func TestMachine_PendingEchoReconciled(t *testing.T) {
	m := connectedMachine(t)
	m.AddPending("hi", "client-1")

	echo := msgEvent("srv-1", "user", "hi")
	echo.ClientMessageID = "client-1"
	m.Apply(echo)

	msgs := m.State().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.False(t, msgs[0].IsClientOriginated)
}

func TestMachine_EchoWithoutKeyCoexists(t *testing.T) {
	m := connectedMachine(t)
	m.AddPending("hi", "client-1")

	m.Apply(msgEvent("srv-1", "user", "hi"))

	msgs := m.State().Messages
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].IsClientOriginated)
	assert.Equal(t, "client-1", msgs[0].ID)
}

func TestMachine_StreamingMessageUpdatedInPlace(t *testing.T) {
	m := connectedMachine(t)

	first := msgEvent("a1", "ai", "Hel")
	first.IsStreaming = true
	m.Apply(first)
	m.Apply(msgEvent("x", "agent", "interleaved"))

	final := msgEvent("a1", "ai", "Hello there")
	m.Apply(final)

	msgs := m.State().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello there", msgs[0].Content)
	assert.False(t, msgs[0].IsStreaming)

	// A finished message is never rewritten; a repeat id is appended.
	m.Apply(msgEvent("a1", "ai", "duplicate"))
	assert.Len(t, m.State().Messages, 3)
}

func TestMachine_ToolInvocationsNeverRegress(t *testing.T) {
	m := connectedMachine(t)

	start := msgEvent("a1", "ai", "")
	start.IsStreaming = true
	start.Tools = []protocol.ToolPart{{Type: "tool-search", State: "input-available", Name: "search", Input: json.RawMessage(`{"q":"x"}`)}}
	m.Apply(start)

	done := msgEvent("a1", "ai", "")
	done.IsStreaming = true
	done.Tools = []protocol.ToolPart{{Type: "tool-search", State: "output-available", Output: json.RawMessage(`[1]`)}}
	m.Apply(done)

	stale := msgEvent("a1", "ai", "result")
	stale.Tools = []protocol.ToolPart{
		{Type: "tool-search", State: "input-streaming", Name: "search"},
		{Type: "tool-fetch", State: "input-streaming", Name: "fetch"},
	}
	m.Apply(stale)

	msgs := m.State().Messages
	require.Len(t, msgs, 1)
	tools := msgs[0].Tools
	require.Len(t, tools, 2)
	assert.Equal(t, ToolOutputAvailable, tools[0].State)
	assert.Equal(t, "search", tools[0].Name)
	assert.JSONEq(t, `{"q":"x"}`, string(tools[0].Input))
	assert.Equal(t, ToolInputStreaming, tools[1].State)
}

func TestToolInvocation_TerminalStatesAreFinal(t *testing.T) {
	ok := ToolInvocation{State: ToolOutputAvailable, Name: "search"}
	failed := ToolInvocation{State: ToolOutputError}

	assert.Equal(t, ToolOutputAvailable, ok.advance(failed).State)
	assert.Equal(t, ToolOutputError, failed.advance(ok).State)
}

func TestMachine_SendFailureMessage(t *testing.T) {
	m := connectedMachine(t)
	m.SetLoading(true)

	m.AddSendFailure()

	s := m.State()
	assert.False(t, s.IsLoading)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, RoleAssistant, s.Messages[0].Role)
	assert.True(t, strings.HasPrefix(s.Messages[0].Content, "Sorry"))
}

func TestMachine_StateIsACopy(t *testing.T) {
	m := connectedMachine(t)
	m.Apply(msgEvent("a1", "ai", "hello"))

	s := m.State()
	*s.Connection.ConversationID = "tampered"
	s.Messages[0].Content = "tampered"

	again := m.State()
	assert.Equal(t, "conv-1", *again.Connection.ConversationID)
	assert.Equal(t, "hello", again.Messages[0].Content)
}

func TestMachine_Reset(t *testing.T) {
	m := connectedMachine(t)
	m.Apply(msgEvent("a1", "ai", "hello"))

	m.Reset()

	s := m.State()
	assert.Equal(t, StatusConnected, s.Connection.Status)
	assert.Empty(t, s.Messages)
	assert.Nil(t, s.Connection.ConversationID)
}
