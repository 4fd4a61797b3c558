// Package engine ties the decoder, the session store, the takeover machine and
// the push subscriber into one conversation session. The orchestrator owns the
// send lifecycle: optimistic insert, one live stream at a time, id promotion,
// push retargeting and teardown.
package engine

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/chatrail/chatrail/pkg/push"
	"github.com/chatrail/chatrail/pkg/session"
	"github.com/chatrail/chatrail/pkg/transport"
	"github.com/chatrail/chatrail/pkg/wire"
)

// Streamer opens one streamed send call. *transport.Client satisfies it; tests
// substitute scripted streams.
type Streamer interface {
	OpenStream(ctx context.Context, req transport.SendRequest) (io.ReadCloser, error)
}

const (
	defaultReadGrace = 1200 * time.Millisecond

	fallbackReplyContent = "Sorry, something went wrong. Please try again."
)

// Options tunes an orchestrator.
type Options struct {
	// ReadGrace is how long the view must stay open before messages flip to
	// read. Zero means the default.
	ReadGrace time.Duration
	// LeadID and Analytics are carried verbatim on every send.
	LeadID    string
	Analytics map[string]any
}

// ComposerState is what the host renders as the "someone is typing" row.
// Assistant activity and human typing are mutually exclusive: during a human
// takeover the assistant indicator is suppressed.
type ComposerState struct {
	AssistantComposing bool
	ToolName           string
	HumanTyping        bool
	HumanName          string
}

type pendingSend struct {
	userTempID  string
	text        string
	attachments []transport.Attachment
}

// Orchestrator runs one conversation session.
type Orchestrator struct {
	agentID  string
	streamer Streamer
	store    *session.Store
	takeover *session.TakeoverMachine
	pusher   *push.Subscriber
	opts     Options

	pushCtx    context.Context
	pushCancel context.CancelFunc

	mu           sync.Mutex
	streaming    bool
	queue        []pendingSend
	generation   int
	closed       bool
	dec          *wire.Decoder
	streamCancel context.CancelFunc
	composing    bool
	toolName     string
	readTimer    *time.Timer
}

// New wires an orchestrator. The push subscriber and takeover machine are
// optional; without them the session still streams, it just never receives
// out-of-band events.
func New(agentID string, streamer Streamer, store *session.Store, takeover *session.TakeoverMachine, pusher *push.Subscriber, opts Options) (*Orchestrator, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, errors.New("engine: agentID is empty")
	}
	if streamer == nil {
		return nil, errors.New("engine: streamer is nil")
	}
	if store == nil {
		return nil, errors.New("engine: store is nil")
	}
	if opts.ReadGrace <= 0 {
		opts.ReadGrace = defaultReadGrace
	}
	pushCtx, pushCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		agentID:    agentID,
		streamer:   streamer,
		store:      store,
		takeover:   takeover,
		pusher:     pusher,
		opts:       opts,
		pushCtx:    pushCtx,
		pushCancel: pushCancel,
	}, nil
}

// Store exposes the session store for rendering and caching.
func (o *Orchestrator) Store() *session.Store {
	if o == nil {
		return nil
	}
	return o.store
}

// IsStreaming reports whether a reply stream is currently live.
func (o *Orchestrator) IsStreaming() bool {
	if o == nil {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.streaming
}

// Composer returns the current typing-indicator state.
func (o *Orchestrator) Composer() ComposerState {
	if o == nil {
		return ComposerState{}
	}
	if o.takeover != nil && o.takeover.HumanActive() {
		st := ComposerState{}
		if o.pusher != nil {
			st.HumanTyping, st.HumanName = o.pusher.Typing().HumanTyping()
		}
		return st
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return ComposerState{AssistantComposing: o.composing, ToolName: o.toolName}
}

// Send appends the user message optimistically and starts (or queues) the
// streamed request. While a stream is live, further sends queue and are issued
// in order as each stream completes.
func (o *Orchestrator) Send(ctx context.Context, text string, attachments []transport.Attachment) error {
	if o == nil {
		return errors.New("engine: orchestrator is nil")
	}
	text = strings.TrimSpace(text)
	if text == "" && len(attachments) == 0 {
		return errors.New("engine: empty message")
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return errors.New("engine: orchestrator is closed")
	}
	o.mu.Unlock()

	tempID := session.NewTempID()
	if _, err := o.store.Merge(&session.Message{
		TempID:  tempID,
		Role:    session.RoleUser,
		Content: text,
		Origin:  session.OriginOptimistic,
	}); err != nil {
		return errors.Wrap(err, "engine: optimistic insert")
	}

	p := pendingSend{userTempID: tempID, text: text, attachments: attachments}

	o.mu.Lock()
	if o.streaming {
		o.queue = append(o.queue, p)
		o.mu.Unlock()
		log.Debug().Str("component", "engine").Msg("stream live, send queued")
		return nil
	}
	o.streaming = true
	o.composing = true
	gen := o.generation
	o.mu.Unlock()

	go o.runStream(ctx, gen, p)
	return nil
}

// runStream owns one send's stream from open to termination.
func (o *Orchestrator) runStream(ctx context.Context, gen int, p pendingSend) {
	if ctx == nil {
		ctx = context.Background()
	}
	streamCtx, cancel := context.WithCancel(ctx)

	req := transport.SendRequest{
		AgentID:     o.agentID,
		Message:     p.text,
		Attachments: p.attachments,
		LeadID:      o.opts.LeadID,
		Analytics:   o.opts.Analytics,
	}
	if id := o.store.ConversationID(); session.IsDurableID(id) {
		req.ConversationID = id
	}

	body, err := o.streamer.OpenStream(streamCtx, req)
	if err != nil {
		cancel()
		log.Warn().Err(err).Str("component", "engine").Msg("send request failed")
		o.failStream(gen, p.userTempID, nil, "")
		o.finishStream(gen)
		return
	}

	dec := wire.NewDecoder(body)
	o.mu.Lock()
	if o.generation != gen || o.closed {
		// Superseded while the request was in flight; drop the result.
		o.mu.Unlock()
		_ = dec.Close()
		cancel()
		return
	}
	o.dec = dec
	o.streamCancel = cancel
	o.mu.Unlock()

	st := &streamState{userTempID: p.userTempID}
	for {
		ev, err := dec.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Str("component", "engine").Msg("stream read failed")
				o.failStream(gen, p.userTempID, st.chunkTempIDs, st.openTempID)
			} else if !st.terminated {
				// Transport closed without done/error: keep what streamed.
				// An entirely empty stream still owes the user a reply, so
				// that path goes through the failure handling instead.
				if len(st.chunkTempIDs) == 0 && st.openTempID == "" {
					log.Warn().Str("component", "engine").Msg("stream closed empty without terminal event")
					o.failStream(gen, p.userTempID, nil, "")
				} else {
					log.Debug().Str("component", "engine").Msg("stream closed without terminal event")
				}
			}
			break
		}
		if !o.applyEvent(gen, st, ev) {
			break
		}
	}

	if dropped := dec.Dropped(); dropped > 0 {
		log.Warn().Int("dropped", dropped).Str("component", "engine").Msg("stream contained undecodable payloads")
	}
	_ = dec.Close()

	o.mu.Lock()
	if o.dec == dec {
		o.dec = nil
		o.streamCancel = nil
	}
	o.mu.Unlock()
	cancel()

	o.finishStream(gen)
}

// streamState is the per-stream bookkeeping: the open chunk, the sealed
// chunks, and the previews that arrived before done.
type streamState struct {
	userTempID   string
	openTempID   string
	openContent  strings.Builder
	nextIndex    int
	chunkTempIDs []string
	previews     []wire.LinkPreview
	terminated   bool
}

// applyEvent folds one decoded event into the store. Returns false when the
// stream result has been superseded and application must stop.
func (o *Orchestrator) applyEvent(gen int, st *streamState, ev wire.Event) bool {
	o.mu.Lock()
	stale := o.generation != gen || o.closed
	o.mu.Unlock()
	if stale {
		return false
	}

	switch e := ev.(type) {
	case *wire.InitEvent:
		o.applyInit(st, e)
	case *wire.DeltaEvent:
		o.applyDelta(st, e)
	case *wire.ChunkCompleteEvent:
		o.sealChunk(st, e.Content, e.ChunkIndex, e.IsLink)
	case *wire.ToolStartEvent:
		o.mu.Lock()
		o.toolName = e.Name
		o.mu.Unlock()
	case *wire.LinkPreviewEvent:
		st.previews = append(st.previews, e.Preview)
	case *wire.DoneEvent:
		st.terminated = true
		o.applyDone(st, e)
	case *wire.ErrorEvent:
		st.terminated = true
		log.Warn().Str("component", "engine").Str("message", e.Message).Msg("stream reported error")
		o.failStream(gen, st.userTempID, st.chunkTempIDs, st.openTempID)
	}
	return true
}

// applyInit promotes the provisional conversation id, confirms the optimistic
// user message, and retargets the push subscription to the durable id.
func (o *Orchestrator) applyInit(st *streamState, e *wire.InitEvent) {
	if e.ConversationID != "" {
		if err := o.store.PromoteID(e.ConversationID); err != nil {
			log.Warn().Err(err).Str("component", "engine").Msg("conversation id promotion failed")
		}
		if o.pusher != nil {
			if _, err := o.pusher.Subscribe(o.pushCtx, e.ConversationID); err != nil {
				log.Warn().Err(err).Str("component", "engine").Msg("push retarget failed; continuing without push")
			}
		}
	}
	if e.UserMessageID != "" && st.userTempID != "" {
		if err := o.store.Confirm(st.userTempID, e.UserMessageID); err != nil {
			log.Warn().Err(err).Str("component", "engine").Msg("user message confirmation failed")
		}
	}
}

func (o *Orchestrator) applyDelta(st *streamState, e *wire.DeltaEvent) {
	if st.openTempID == "" {
		st.openTempID = session.NewTempID()
		st.openContent.Reset()
	}
	st.openContent.WriteString(e.Content)
	if _, err := o.store.Merge(&session.Message{
		TempID:  st.openTempID,
		Role:    session.RoleAssistant,
		Content: st.openContent.String(),
		Origin:  session.OriginStreamed,
	}); err != nil {
		log.Warn().Err(err).Str("component", "engine").Msg("delta merge failed")
	}
}

// sealChunk fixes the open chunk's content and index and opens the next one.
// A chunk_complete without preceding deltas still yields a bubble.
func (o *Orchestrator) sealChunk(st *streamState, content string, index int, isLink bool) {
	if st.openTempID == "" {
		st.openTempID = session.NewTempID()
	}
	if content == "" {
		content = st.openContent.String()
	}
	if index < st.nextIndex {
		index = st.nextIndex
	}
	if _, err := o.store.Merge(&session.Message{
		TempID:     st.openTempID,
		Role:       session.RoleAssistant,
		Content:    content,
		Origin:     session.OriginStreamed,
		ChunkIndex: index,
		ChunkTotal: index + 1,
		IsLink:     isLink,
	}); err != nil {
		log.Warn().Err(err).Str("component", "engine").Msg("chunk seal failed")
	}
	st.chunkTempIDs = append(st.chunkTempIDs, st.openTempID)
	st.openTempID = ""
	st.openContent.Reset()
	st.nextIndex = index + 1
}

// applyDone confirms the produced chunks with their durable ids and attaches
// the reply metadata to the final bubble.
func (o *Orchestrator) applyDone(st *streamState, e *wire.DoneEvent) {
	if st.openTempID != "" {
		o.sealChunk(st, "", st.nextIndex, false)
	}
	if len(st.chunkTempIDs) == 0 {
		return
	}

	total := len(st.chunkTempIDs)
	for i, tempID := range st.chunkTempIDs {
		if _, err := o.store.Merge(&session.Message{
			TempID:     tempID,
			Role:       session.RoleAssistant,
			ChunkIndex: i,
			ChunkTotal: total,
		}); err != nil {
			log.Warn().Err(err).Str("component", "engine").Msg("chunk metadata merge failed")
		}
	}

	// One durable id per chunk when the backend sends the full list; otherwise
	// the single assistant id lands on the final bubble.
	switch {
	case len(e.ChunkIDs) == total:
		for i, tempID := range st.chunkTempIDs {
			if err := o.store.Confirm(tempID, e.ChunkIDs[i]); err != nil {
				log.Warn().Err(err).Str("component", "engine").Msg("chunk confirmation failed")
			}
		}
	case e.AssistantMessageID != "":
		last := st.chunkTempIDs[total-1]
		if err := o.store.Confirm(last, e.AssistantMessageID); err != nil {
			log.Warn().Err(err).Str("component", "engine").Msg("reply confirmation failed")
		}
	}

	previews := e.LinkPreviews
	if len(previews) == 0 {
		previews = st.previews
	}
	last := st.chunkTempIDs[total-1]
	if _, err := o.store.Merge(&session.Message{
		TempID:       last,
		Role:         session.RoleAssistant,
		LinkPreviews: previews,
		QuickReplies: e.QuickReplies,
		Sources:      e.Sources,
	}); err != nil {
		log.Warn().Err(err).Str("component", "engine").Msg("reply metadata merge failed")
	}
}

// failStream marks everything the failed stream touched, and synthesizes the
// single fallback bubble when no reply content was produced at all.
func (o *Orchestrator) failStream(gen int, userTempID string, chunkTempIDs []string, openTempID string) {
	o.mu.Lock()
	stale := o.generation != gen || o.closed
	o.mu.Unlock()
	if stale {
		return
	}

	if userTempID != "" {
		_, _ = o.store.Merge(&session.Message{TempID: userTempID, Role: session.RoleUser, Failed: true})
	}
	for _, tempID := range chunkTempIDs {
		_, _ = o.store.Merge(&session.Message{TempID: tempID, Role: session.RoleAssistant, Failed: true})
	}
	if openTempID != "" {
		_, _ = o.store.Merge(&session.Message{TempID: openTempID, Role: session.RoleAssistant, Failed: true})
	}
	if len(chunkTempIDs) == 0 && openTempID == "" {
		_, _ = o.store.Merge(&session.Message{
			TempID:  session.NewTempID(),
			Role:    session.RoleAssistant,
			Content: fallbackReplyContent,
			Origin:  session.OriginStreamed,
			Failed:  true,
		})
	}
}

// finishStream ends the live-stream phase and claims the next queued send, if
// any. A superseded generation claims nothing.
func (o *Orchestrator) finishStream(gen int) {
	o.mu.Lock()
	if o.generation != gen || o.closed {
		o.mu.Unlock()
		return
	}
	o.composing = false
	o.toolName = ""
	if len(o.queue) == 0 {
		o.streaming = false
		o.mu.Unlock()
		return
	}
	next := o.queue[0]
	o.queue = o.queue[1:]
	o.composing = true
	o.mu.Unlock()

	log.Debug().Str("component", "engine").Msg("claiming queued send")
	go o.runStream(context.Background(), gen, next)
}

// ViewOpened starts the read grace timer: messages flip to read only if the
// view stays open for the whole grace period, so a quick open/close never
// flashes read state.
func (o *Orchestrator) ViewOpened() {
	if o == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if o.readTimer != nil {
		o.readTimer.Stop()
	}
	o.readTimer = time.AfterFunc(o.opts.ReadGrace, o.store.MarkAllRead)
}

// ViewClosed cancels a pending read grace timer.
func (o *Orchestrator) ViewClosed() {
	if o == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.readTimer != nil {
		o.readTimer.Stop()
		o.readTimer = nil
	}
}

// Close tears the session down: the live decoder is released, push
// subscriptions are dropped, queued sends are discarded, and any in-flight
// request finishing later is ignored via the generation bump.
func (o *Orchestrator) Close() {
	if o == nil {
		return
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.generation++
	o.streaming = false
	o.queue = nil
	dec := o.dec
	o.dec = nil
	cancel := o.streamCancel
	o.streamCancel = nil
	if o.readTimer != nil {
		o.readTimer.Stop()
		o.readTimer = nil
	}
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if dec != nil {
		_ = dec.Close()
	}
	o.pushCancel()
	if o.pusher != nil {
		o.pusher.Close()
	}
	log.Info().Str("component", "engine").Str("conv_id", o.store.ConversationID()).Msg("session closed")
}
