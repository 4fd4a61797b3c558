package engine

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/chatrail/chatrail/pkg/push"
	"github.com/chatrail/chatrail/pkg/session"
	"github.com/chatrail/chatrail/pkg/transport"
)

const (
	testConvID = "0123456789abcdef01234567"
	testAgent  = "agent-1"
)

type scriptedStreamer struct {
	mu       sync.Mutex
	requests []transport.SendRequest
	bodies   []io.ReadCloser
	openErr  error
}

func (s *scriptedStreamer) OpenStream(_ context.Context, req transport.SendRequest) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.openErr != nil {
		return nil, s.openErr
	}
	if len(s.bodies) == 0 {
		return nil, errors.New("no scripted stream body")
	}
	body := s.bodies[0]
	s.bodies = s.bodies[1:]
	return body, nil
}

func (s *scriptedStreamer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedStreamer) request(i int) transport.SendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func stream(lines ...string) io.ReadCloser {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString("data: ")
		b.WriteString(l)
		b.WriteString("\n")
	}
	b.WriteString("data: [DONE]\n")
	return io.NopCloser(strings.NewReader(b.String()))
}

func newOrchestrator(t *testing.T, streamer Streamer, opts Options) (*Orchestrator, *session.Store) {
	t.Helper()
	store := session.NewStore("")
	o, err := New(testAgent, streamer, store, session.NewTakeoverMachine(store, nil), nil, opts)
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o, store
}

func waitIdle(t *testing.T, o *Orchestrator) {
	t.Helper()
	require.Eventually(t, func() bool { return !o.IsStreaming() }, 2*time.Second, 10*time.Millisecond)
}

func TestSendHelloScenario(t *testing.T) {
	streamer := &scriptedStreamer{bodies: []io.ReadCloser{stream(
		`{"type":"init","conversationId":"`+testConvID+`","userMessageId":"u1"}`,
		`{"type":"delta","content":"Hi "}`,
		`{"type":"delta","content":"there"}`,
		`{"type":"chunk_complete","content":"Hi there","chunkIndex":0,"isFinal":true}`,
		`{"type":"done","assistantMessageId":"m1","quickReplies":["Tell me more"]}`,
	)}}

	ps := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	store := session.NewStore("")
	machine := session.NewTakeoverMachine(store, nil)
	pusher, err := push.NewSubscriber(ps, store, machine)
	require.NoError(t, err)

	o, err := New(testAgent, streamer, store, machine, pusher, Options{})
	require.NoError(t, err)
	defer o.Close()

	require.False(t, session.IsDurableID(store.ConversationID()))
	require.NoError(t, o.Send(context.Background(), "Hello", nil))
	waitIdle(t, o)

	// First send never carries a provisional conversation id.
	require.Equal(t, 1, streamer.calls())
	require.Empty(t, streamer.request(0).ConversationID)
	require.Equal(t, testAgent, streamer.request(0).AgentID)

	require.Equal(t, testConvID, store.ConversationID())

	msgs := store.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "u1", msgs[0].ID)
	require.Equal(t, session.RoleUser, msgs[0].Role)
	require.Equal(t, session.OriginConfirmed, msgs[0].Origin)
	require.Equal(t, "m1", msgs[1].ID)
	require.Equal(t, "Hi there", msgs[1].Content)
	require.Equal(t, session.OriginConfirmed, msgs[1].Origin)
	require.Equal(t, []string{"Tell me more"}, msgs[1].QuickReplies)

	// The init event retargeted the push subscription to the durable id:
	// a pushed row for that conversation now reaches the store, and the
	// post-done echo of m1 is absorbed without growing it.
	publishJSON(t, ps, push.TopicMessages(testConvID), push.MessageEvent{
		Kind:    push.MessageInsert,
		Message: push.PushedMessage{ID: "m1", Role: session.RoleAssistant, Content: "Hi there"},
	})
	publishJSON(t, ps, push.TopicMessages(testConvID), push.MessageEvent{
		Kind:    push.MessageInsert,
		Message: push.PushedMessage{ID: "m2", Role: session.RoleAssistant, Content: "Anything else?"},
	})
	require.Eventually(t, func() bool { return store.HasMessageID("m2") }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 3, store.Len())
}

func publishJSON(t *testing.T, ps *gochannel.GoChannel, topic string, payload any) {
	t.Helper()
	msg := message.NewMessage(watermill.NewUUID(), mustJSON(t, payload))
	require.NoError(t, ps.Publish(topic, msg))
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestMultiChunkReplyConfirmsEachBubble(t *testing.T) {
	streamer := &scriptedStreamer{bodies: []io.ReadCloser{stream(
		`{"type":"init","conversationId":"`+testConvID+`","userMessageId":"u1"}`,
		`{"type":"delta","content":"First."}`,
		`{"type":"chunk_complete","content":"First.","chunkIndex":0}`,
		`{"type":"delta","content":"https://example.com"}`,
		`{"type":"chunk_complete","content":"https://example.com","chunkIndex":1,"isLink":true}`,
		`{"type":"link_preview","preview":{"url":"https://example.com","title":"Example"}}`,
		`{"type":"delta","content":"Last."}`,
		`{"type":"chunk_complete","content":"Last.","chunkIndex":2,"isFinal":true}`,
		`{"type":"done","assistantMessageId":"m3","chunkIds":["m1","m2","m3"]}`,
	)}}
	o, store := newOrchestrator(t, streamer, Options{})

	require.NoError(t, o.Send(context.Background(), "multi", nil))
	waitIdle(t, o)

	msgs := store.Messages()
	require.Len(t, msgs, 4)
	for i, want := range []struct{ id, content string }{
		{"m1", "First."}, {"m2", "https://example.com"}, {"m3", "Last."},
	} {
		m := msgs[i+1]
		require.Equal(t, want.id, m.ID)
		require.Equal(t, want.content, m.Content)
		require.Equal(t, i, m.ChunkIndex)
		require.Equal(t, 3, m.ChunkTotal)
		require.Equal(t, session.OriginConfirmed, m.Origin)
	}
	require.True(t, msgs[2].IsLink)
	// Metadata lands on the final bubble only.
	require.Len(t, msgs[3].LinkPreviews, 1)
	require.Equal(t, "Example", msgs[3].LinkPreviews[0].Title)
	require.Empty(t, msgs[1].LinkPreviews)
}

func TestQueuedSendIssuesAfterLiveStream(t *testing.T) {
	pr, pw := io.Pipe()
	streamer := &scriptedStreamer{bodies: []io.ReadCloser{pr, stream(
		`{"type":"init","conversationId":"` + testConvID + `","userMessageId":"u2"}`,
		`{"type":"delta","content":"Second reply"}`,
		`{"type":"done","assistantMessageId":"m2"}`,
	)}}
	o, store := newOrchestrator(t, streamer, Options{})

	require.NoError(t, o.Send(context.Background(), "first", nil))
	require.Eventually(t, func() bool { return streamer.calls() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The second send queues: optimistic bubble appears, no second request.
	require.NoError(t, o.Send(context.Background(), "second", nil))
	require.Equal(t, 2, store.Len())
	require.Equal(t, 1, streamer.calls())

	_, err := io.WriteString(pw, "data: {\"type\":\"init\",\"conversationId\":\""+testConvID+"\",\"userMessageId\":\"u1\"}\n")
	require.NoError(t, err)
	_, err = io.WriteString(pw, "data: {\"type\":\"done\",\"assistantMessageId\":\"m1\"}\n")
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	require.Eventually(t, func() bool { return streamer.calls() == 2 }, 2*time.Second, 10*time.Millisecond)
	waitIdle(t, o)

	// The queued send went out against the durable id the first stream assigned.
	require.Equal(t, testConvID, streamer.request(1).ConversationID)
	msgs := store.Messages()
	require.Len(t, msgs, 3)
	require.Equal(t, "first", msgs[0].Content)
	require.Equal(t, "second", msgs[1].Content)
	require.Equal(t, "u2", msgs[1].ID)
	require.Equal(t, "Second reply", msgs[2].Content)
	require.Equal(t, "m2", msgs[2].ID)
}

func TestErrorEventWithoutContentSynthesizesFallback(t *testing.T) {
	streamer := &scriptedStreamer{bodies: []io.ReadCloser{stream(
		`{"type":"init","conversationId":"`+testConvID+`","userMessageId":"u1"}`,
		`{"type":"error","message":"upstream unavailable"}`,
	)}}
	o, store := newOrchestrator(t, streamer, Options{})

	require.NoError(t, o.Send(context.Background(), "Hello", nil))
	waitIdle(t, o)

	msgs := store.Messages()
	require.Len(t, msgs, 2)
	require.True(t, msgs[0].Failed)
	require.Equal(t, session.RoleAssistant, msgs[1].Role)
	require.True(t, msgs[1].Failed)
	require.NotEmpty(t, msgs[1].Content)
}

func TestErrorEventAfterContentMarksChunksFailed(t *testing.T) {
	streamer := &scriptedStreamer{bodies: []io.ReadCloser{stream(
		`{"type":"init","conversationId":"`+testConvID+`","userMessageId":"u1"}`,
		`{"type":"delta","content":"partial answ"}`,
		`{"type":"error","message":"stream interrupted"}`,
	)}}
	o, store := newOrchestrator(t, streamer, Options{})

	require.NoError(t, o.Send(context.Background(), "Hello", nil))
	waitIdle(t, o)

	msgs := store.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "partial answ", msgs[1].Content)
	require.True(t, msgs[1].Failed)
}

func TestEmptyStreamYieldsErrorBubble(t *testing.T) {
	// Stream closes cleanly before emitting a single event: the user must
	// still see a reply bubble, never silence.
	streamer := &scriptedStreamer{bodies: []io.ReadCloser{io.NopCloser(strings.NewReader(""))}}
	o, store := newOrchestrator(t, streamer, Options{})

	require.NoError(t, o.Send(context.Background(), "Hello", nil))
	waitIdle(t, o)

	msgs := store.Messages()
	require.Len(t, msgs, 2)
	require.True(t, msgs[0].Failed)
	require.Equal(t, session.RoleAssistant, msgs[1].Role)
	require.True(t, msgs[1].Failed)
	require.NotEmpty(t, msgs[1].Content)
}

func TestTruncatedStreamKeepsPartialContent(t *testing.T) {
	// Stream closes after content but before done: the streamed text stays,
	// no fallback bubble is added on top of it.
	payload := "data: {\"type\":\"init\",\"conversationId\":\"" + testConvID + "\",\"userMessageId\":\"u1\"}\n" +
		"data: {\"type\":\"delta\",\"content\":\"partial answ\"}\n"
	streamer := &scriptedStreamer{bodies: []io.ReadCloser{io.NopCloser(strings.NewReader(payload))}}
	o, store := newOrchestrator(t, streamer, Options{})

	require.NoError(t, o.Send(context.Background(), "Hello", nil))
	waitIdle(t, o)

	msgs := store.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "partial answ", msgs[1].Content)
}

func TestTransportFailureKeepsSessionUsable(t *testing.T) {
	streamer := &scriptedStreamer{openErr: errors.New("connection refused")}
	o, store := newOrchestrator(t, streamer, Options{})

	require.NoError(t, o.Send(context.Background(), "Hello", nil))
	waitIdle(t, o)

	msgs := store.Messages()
	require.Len(t, msgs, 2)
	require.True(t, msgs[0].Failed)
	require.True(t, msgs[1].Failed)

	// The session survives: a later send goes out again.
	streamer.mu.Lock()
	streamer.openErr = nil
	streamer.bodies = []io.ReadCloser{stream(
		`{"type":"init","conversationId":"` + testConvID + `","userMessageId":"u2"}`,
		`{"type":"done","assistantMessageId":"m1"}`,
	)}
	streamer.mu.Unlock()

	require.NoError(t, o.Send(context.Background(), "retry", nil))
	waitIdle(t, o)
	require.Equal(t, 2, streamer.calls())
}

func TestCloseDiscardsInFlightStream(t *testing.T) {
	pr, pw := io.Pipe()
	streamer := &scriptedStreamer{bodies: []io.ReadCloser{pr}}
	store := session.NewStore("")
	o, err := New(testAgent, streamer, store, nil, nil, Options{})
	require.NoError(t, err)

	require.NoError(t, o.Send(context.Background(), "Hello", nil))
	require.Eventually(t, func() bool { return streamer.calls() == 1 }, 2*time.Second, 10*time.Millisecond)
	before := store.Len()

	o.Close()
	_, _ = io.WriteString(pw, "data: {\"type\":\"delta\",\"content\":\"late\"}\n")
	_ = pw.Close()

	require.Never(t, func() bool { return store.Len() != before }, 200*time.Millisecond, 20*time.Millisecond)
	require.Error(t, o.Send(context.Background(), "after close", nil))
}

func TestReadGraceTimer(t *testing.T) {
	streamer := &scriptedStreamer{}
	o, store := newOrchestrator(t, streamer, Options{ReadGrace: 50 * time.Millisecond})
	_, err := store.Merge(&session.Message{ID: "m1", Role: session.RoleAssistant, Content: "hi", Origin: session.OriginPushed})
	require.NoError(t, err)

	// Open then close within the grace period: nothing flips.
	o.ViewOpened()
	o.ViewClosed()
	require.Never(t, func() bool { return store.Messages()[0].Read }, 150*time.Millisecond, 20*time.Millisecond)

	// Held open past the grace period: read state lands.
	o.ViewOpened()
	require.Eventually(t, func() bool { return store.Messages()[0].Read }, time.Second, 10*time.Millisecond)
}

func TestComposerSuppressedDuringTakeover(t *testing.T) {
	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()
	streamer := &scriptedStreamer{bodies: []io.ReadCloser{pr}}

	ps := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	store := session.NewStore(testConvID)
	machine := session.NewTakeoverMachine(store, nil)
	pusher, err := push.NewSubscriber(ps, store, machine)
	require.NoError(t, err)

	o, err := New(testAgent, streamer, store, machine, pusher, Options{})
	require.NoError(t, err)
	defer o.Close()

	require.NoError(t, o.Send(context.Background(), "Hello", nil))
	require.Eventually(t, func() bool { return o.Composer().AssistantComposing }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, machine.Apply(context.Background(), session.StatusHumanTakeover))
	st := o.Composer()
	require.False(t, st.AssistantComposing)
	require.False(t, st.HumanTyping)
}
