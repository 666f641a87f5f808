package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/shopvoice/internal/ledger"
	"github.com/ent0n29/shopvoice/internal/observability"
	"github.com/ent0n29/shopvoice/internal/policy"
	"github.com/ent0n29/shopvoice/internal/protocol"
	"github.com/ent0n29/shopvoice/internal/reliability"
	"github.com/ent0n29/shopvoice/internal/responder"
	"github.com/ent0n29/shopvoice/internal/session"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultDrainTimeout        = 2 * time.Second
	defaultResponseTimeout     = 30 * time.Second
	defaultCriticalSendTimeout = 600 * time.Millisecond
	defaultRearmBackoffBase    = 250 * time.Millisecond
	defaultRearmBackoffMax     = 5 * time.Second
	ledgerSaveTimeout          = 2 * time.Second
	defaultGreeting            = "Hi! I'm your shopping assistant. How can I help you today?"
)

// ControllerConfig tunes one session controller. Zero fields take defaults.
type ControllerConfig struct {
	// DrainTimeout bounds the wait for cancelled workers.
	DrainTimeout    time.Duration
	ResponseTimeout time.Duration
	// CriticalSendTimeout bounds how long the loop waits on a full outbox.
	CriticalSendTimeout time.Duration
	RearmBackoffBase    time.Duration
	RearmBackoffMax     time.Duration
	Greeting            string
	Detector            DetectorConfig
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = defaultResponseTimeout
	}
	if c.CriticalSendTimeout <= 0 {
		c.CriticalSendTimeout = defaultCriticalSendTimeout
	}
	if c.RearmBackoffBase <= 0 {
		c.RearmBackoffBase = defaultRearmBackoffBase
	}
	if c.RearmBackoffMax <= 0 {
		c.RearmBackoffMax = defaultRearmBackoffMax
	}
	if strings.TrimSpace(c.Greeting) == "" {
		c.Greeting = defaultGreeting
	}
	return c
}

// Deps are the external capabilities a controller drives.
type Deps struct {
	Recognizer Recognizer
	Generator  responder.Generator
	Streamer   *Streamer
	Ledger     ledger.Store
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

// Controller is the per-session turn state machine. All state below the
// channels is owned by the Run goroutine.
type Controller struct {
	cfg      ControllerConfig
	deps     Deps
	sess     *session.Session
	out      *Outbox
	detector *UtteranceDetector
	log      *slog.Logger

	controls  chan any
	audioSeen chan struct{}

	state        session.TurnState
	listening    bool
	bridge       *Bridge
	bridgeEvents <-chan BridgeEvent
	bridgeActive bool
	rearmAttempt int
	rearmTimer   *time.Timer
	rearmC       <-chan time.Time
	utterTimer   *time.Timer
	utterC       <-chan time.Time

	turn         *activeTurn
	speakingC    <-chan struct{}
	turnSeq      int64
	endAfterTurn bool
}

type activeTurn struct {
	seq      int64
	id       string
	utt      Utterance
	started  time.Time
	cancel   context.CancelFunc
	span     trace.Span
	log      *slog.Logger
	speaking chan struct{}
	done     chan turnResult
}

type turnResult struct {
	resp        responder.Response
	respondTime time.Duration
	speakTime   time.Duration
	chunks      int
	err         error
}

// NewController binds a controller to sess and out. Run drives it.
func NewController(sess *session.Session, out *Outbox, deps Deps, cfg ControllerConfig) (*Controller, error) {
	if sess == nil || out == nil {
		return nil, errors.New("controller requires a session and an outbox")
	}
	if deps.Recognizer == nil || deps.Generator == nil || deps.Streamer == nil {
		return nil, errors.New("controller requires recognizer, generator and streamer")
	}
	cfg = cfg.withDefaults()
	detector, err := NewUtteranceDetector(cfg.Detector)
	if err != nil {
		return nil, err
	}
	base := deps.Logger
	if base == nil {
		base = slog.Default()
	}
	return &Controller{
		cfg:       cfg,
		deps:      deps,
		sess:      sess,
		out:       out,
		detector:  detector,
		log:       base.With(slog.String("session_id", sess.ID)),
		controls:  make(chan any, 16),
		audioSeen: make(chan struct{}, 1),
		state:     sess.State(),
	}, nil
}

// PushAudio queues an inbound frame. Safe to call from the connection reader.
func (c *Controller) PushAudio(frame []byte) bool {
	if len(frame) == 0 || !c.sess.PushAudio(frame) {
		return false
	}
	c.deps.Metrics.AddIngestBytes(len(frame))
	select {
	case c.audioSeen <- struct{}{}:
	default:
	}
	return true
}

// Submit hands a parsed client control message to the loop.
func (c *Controller) Submit(ctx context.Context, msg any) error {
	select {
	case c.controls <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RejectMessage reports a malformed client message. Safe to call from the
// connection reader.
func (c *Controller) RejectMessage(code string, err error) {
	c.deps.Metrics.ProviderError(string(KindProtocol), code)
	c.out.Offer(protocol.ErrorEvent{
		Type:      protocol.TypeError,
		SessionID: c.sess.ID,
		Kind:      string(KindProtocol),
		Code:      code,
		Message:   policy.ClientMessage(errText(err)),
	})
}

// Run drives the session until ctx is done or a stop phrase ends it, in
// which case it returns ErrSessionEnded.
func (c *Controller) Run(ctx context.Context) error {
	c.deps.Metrics.StateTransition("", string(c.state))
	defer func() {
		c.cancelActivity(true)
		c.deps.Metrics.StateTransition(string(c.state), "")
	}()

	c.log.Info("session controller started")
	c.emit(protocol.Greeting{Type: protocol.TypeGreeting, SessionID: c.sess.ID, Message: c.cfg.Greeting})

	for {
		var turnDone <-chan turnResult
		if c.turn != nil {
			turnDone = c.turn.done
		}

		select {
		case <-ctx.Done():
			c.log.Info("session controller stopped", slog.String("reason", "context_done"))
			return nil
		case msg := <-c.controls:
			c.handleControl(ctx, msg)
		case <-c.audioSeen:
			if c.state == session.StateIdle {
				c.startListening(ctx, "audio")
			}
		case ev := <-c.bridgeEvents:
			c.handleBridgeEvent(ctx, ev)
		case <-c.utterC:
			c.utterC = nil
			if c.bridge != nil {
				c.log.Debug("max utterance reached, ending recognition input")
				c.bridge.EndInput()
			}
		case <-c.rearmC:
			c.rearmC = nil
			if c.state == session.StateListening && c.bridge == nil && c.turn == nil {
				c.armBridge(ctx)
			}
		case <-c.speakingC:
			c.speakingC = nil
			c.setState(session.StateSpeaking)
			c.offerTurnState()
		case res := <-turnDone:
			c.finishTurn(ctx, res)
			if c.endAfterTurn {
				c.emit(protocol.SessionEnd{Type: protocol.TypeSessionEnd, SessionID: c.sess.ID, Reason: "stop_phrase"})
				c.log.Info("session ended by stop phrase")
				return ErrSessionEnded
			}
		}
	}
}

func (c *Controller) handleControl(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case protocol.StartListening:
		c.startListening(ctx, "start_listening")
	case protocol.StopListening:
		c.stopListening(ctx, m.Reason)
	case protocol.TextInput:
		text := strings.TrimSpace(m.Text)
		if text == "" {
			c.RejectMessage("empty_text", protocol.ErrEmptyText)
			return
		}
		c.beginTurn(ctx, c.detector.Classify(text))
	default:
		c.RejectMessage("unsupported_control", fmt.Errorf("unsupported control %T", msg))
	}
}

func (c *Controller) startListening(ctx context.Context, trigger string) {
	c.listening = true
	if c.turn == nil && c.state != session.StateListening {
		c.setState(session.StateListening)
		c.detector.Reset()
		c.armBridge(ctx)
		c.offerTurnState()
	}
	c.log.Debug("listening started", slog.String("trigger", trigger))
	c.emit(protocol.ListeningStarted{
		Type:      protocol.TypeListeningStarted,
		SessionID: c.sess.ID,
		Message:   "Listening started",
	})
}

// stopListening cancels an in-flight turn, returning to Listening when
// listening was armed, or otherwise stops listening and goes Idle.
func (c *Controller) stopListening(ctx context.Context, reason string) {
	if reason == "" {
		reason = "client_stop"
	}
	hadTurn := c.turn != nil
	c.cancelActivity(false)

	if hadTurn && c.listening {
		c.setState(session.StateListening)
		c.armBridge(ctx)
		c.offerTurnState()
		return
	}
	c.listening = false
	c.setState(session.StateIdle)
	c.emit(protocol.ListeningStopped{Type: protocol.TypeListeningStopped, SessionID: c.sess.ID, Reason: reason})
}

func (c *Controller) armBridge(ctx context.Context) {
	buf := c.sess.Buffer()
	if buf.Closed() {
		return
	}
	c.bridge = StartBridge(ctx, c.deps.Recognizer, buf, c.sess.NextTranscriptSeq)
	c.bridgeEvents = c.bridge.Events()
	c.bridgeActive = false
}

func (c *Controller) detachBridge() {
	if c.bridge != nil {
		c.bridge.Stop()
	}
	c.bridge = nil
	c.bridgeEvents = nil
	c.stopUtterTimer()
}

func (c *Controller) handleBridgeEvent(ctx context.Context, ev BridgeEvent) {
	if ev.Terminal {
		c.bridge = nil
		c.bridgeEvents = nil
		c.stopUtterTimer()
		c.handleRecognitionEnd(ctx, ev.Err)
		return
	}

	c.bridgeActive = true
	c.rearmAttempt = 0
	c.sess.Touch()
	tr := ev.Transcript
	msg := protocol.Transcript{
		Type:      protocol.TypeTranscript,
		SessionID: c.sess.ID,
		Seq:       tr.Seq,
		Text:      tr.Text,
		IsFinal:   tr.IsFinal,
	}
	if tr.IsFinal {
		c.emit(msg)
	} else {
		c.out.Offer(msg)
	}

	utt, ok := c.detector.Observe(tr)
	if !ok {
		if tr.IsFinal {
			c.stopUtterTimer()
		} else {
			c.armUtterTimer()
		}
		return
	}
	c.stopUtterTimer()
	c.beginTurn(ctx, utt)
}

func (c *Controller) handleRecognitionEnd(ctx context.Context, err error) {
	if err != nil {
		c.detector.Reset()
		retryable := true
		var ve *Error
		code := "recognition_failed"
		if errors.As(err, &ve) {
			code = ve.Code
			retryable = ve.Retryable
		}
		c.log.Warn("recognition failed", slog.String("code", code), slog.Any("error", err))
		c.emitError(KindRecognition, code, err, retryable)
		c.scheduleRearm(true)
		return
	}

	if utt, ok := c.detector.Finish(); ok {
		c.emit(protocol.Transcript{
			Type:      protocol.TypeTranscript,
			SessionID: c.sess.ID,
			Seq:       c.sess.NextTranscriptSeq(),
			Text:      utt.Text,
			IsFinal:   true,
			Forced:    true,
		})
		c.beginTurn(ctx, utt)
		return
	}
	c.scheduleRearm(!c.bridgeActive)
}

// scheduleRearm restarts recognition after a delay. Back-to-back failures or
// empty streams back off exponentially.
func (c *Controller) scheduleRearm(backoff bool) {
	if c.state != session.StateListening || c.turn != nil {
		return
	}
	delay := time.Duration(0)
	if backoff {
		delay = reliability.ExponentialBackoff(c.rearmAttempt, c.cfg.RearmBackoffBase, c.cfg.RearmBackoffMax)
		c.rearmAttempt++
	}
	c.stopRearmTimer()
	c.rearmTimer = time.NewTimer(delay)
	c.rearmC = c.rearmTimer.C
}

func (c *Controller) armUtterTimer() {
	if c.utterC != nil {
		return
	}
	deadline, ok := c.detector.Deadline()
	if !ok {
		return
	}
	c.utterTimer = time.NewTimer(time.Until(deadline))
	c.utterC = c.utterTimer.C
}

func (c *Controller) stopUtterTimer() {
	if c.utterTimer != nil {
		c.utterTimer.Stop()
	}
	c.utterTimer = nil
	c.utterC = nil
}

func (c *Controller) stopRearmTimer() {
	if c.rearmTimer != nil {
		c.rearmTimer.Stop()
	}
	c.rearmTimer = nil
	c.rearmC = nil
}

func (c *Controller) beginTurn(ctx context.Context, utt Utterance) {
	if c.turn != nil {
		c.log.Debug("utterance rejected, turn in flight", slog.String("source", string(utt.Source)))
		c.emitError(KindProtocol, "turn_in_progress", ErrTurnInFlight, true)
		return
	}
	c.detachBridge()
	c.stopRearmTimer()

	c.turnSeq++
	turnID := uuid.NewString()
	turnCtx, cancel := context.WithCancel(ctx)
	turnCtx, span := observability.StartSpan(turnCtx, "voice.turn",
		attribute.String("session.id", c.sess.ID),
		attribute.String("turn.id", turnID),
		attribute.String("turn.source", string(utt.Source)),
		attribute.Bool("turn.forced", utt.Forced),
		attribute.Bool("turn.end_session", utt.ShouldEndSession),
	)
	t := &activeTurn{
		seq:      c.turnSeq,
		id:       turnID,
		utt:      utt,
		started:  time.Now(),
		cancel:   cancel,
		span:     span,
		log:      observability.Logger(turnCtx, c.log).With(slog.String("turn_id", turnID)),
		speaking: make(chan struct{}),
		done:     make(chan turnResult, 1),
	}
	c.turn = t
	c.speakingC = t.speaking
	c.endAfterTurn = utt.ShouldEndSession

	c.sess.StartTurn(turnID)
	c.setState(session.StateResponding)
	c.offerTurnState()
	t.log.Info("turn started",
		slog.String("source", string(utt.Source)),
		slog.Int("input_chars", len(utt.Text)),
		slog.Bool("end_session", utt.ShouldEndSession),
	)

	go c.runTurn(turnCtx, t)
}

// runTurn is the blocking half of a turn: respond, then speak.
func (c *Controller) runTurn(ctx context.Context, t *activeTurn) {
	var res turnResult
	defer func() {
		if r := recover(); r != nil {
			res.err = &Error{Kind: KindResponse, Code: "turn_panic", Err: fmt.Errorf("panic: %v", r)}
		}
		t.done <- res
	}()

	start := time.Now()
	rctx, rspan := observability.StartSpan(ctx, "voice.respond")
	rctx, cancel := context.WithTimeout(rctx, c.cfg.ResponseTimeout)
	resp, err := c.deps.Generator.Generate(rctx, responder.Request{
		SessionID: c.sess.ID,
		TurnID:    t.id,
		Text:      t.utt.Text,
	})
	cancel()
	res.respondTime = time.Since(start)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			res.err = ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			res.err = &Error{Kind: KindResponse, Code: "response_timeout", Err: err, Retryable: true}
		default:
			res.err = classify(KindResponse, "response_failed", err)
		}
		observability.EndSpan(rspan, res.err)
		return
	}
	observability.EndSpan(rspan, nil)
	res.resp = resp

	if err := c.out.Push(ctx, protocol.AgentResponse{
		Type:      protocol.TypeAgentResponse,
		SessionID: c.sess.ID,
		TurnID:    t.id,
		Text:      resp.Text,
		UserInput: t.utt.Text,
		Action:    resp.Action,
	}); err != nil {
		res.err = err
		return
	}
	if strings.TrimSpace(resp.Text) == "" {
		return
	}

	close(t.speaking)
	if err := c.out.Push(ctx, protocol.TTSStart{
		Type:          protocol.TypeTTSStart,
		SessionID:     c.sess.ID,
		TurnID:        t.id,
		Text:          resp.Text,
		OriginalInput: t.utt.Text,
	}); err != nil {
		res.err = err
		return
	}

	speakStart := time.Now()
	sctx, sspan := observability.StartSpan(ctx, "voice.speak")
	seq := 0
	n, err := c.deps.Streamer.Stream(sctx, resp.Text, func(chunk []byte) error {
		if seq == 0 {
			c.deps.Metrics.ObserveStage("first_audio", time.Since(t.started))
		}
		seq++
		return c.out.Push(sctx, protocol.AudioOut{
			SessionID: c.sess.ID,
			TurnID:    t.id,
			TurnSeq:   t.seq,
			Seq:       seq,
			Data:      chunk,
		})
	})
	observability.EndSpan(sspan, err)
	res.chunks = n
	res.speakTime = time.Since(speakStart)
	if err != nil {
		res.err = err
		return
	}

	res.err = c.out.Push(ctx, protocol.TTSComplete{
		Type:          protocol.TypeTTSComplete,
		SessionID:     c.sess.ID,
		TurnID:        t.id,
		ChunksSent:    n,
		OriginalInput: t.utt.Text,
	})
}

func (c *Controller) finishTurn(ctx context.Context, res turnResult) {
	t := c.turn
	c.turn = nil
	c.speakingC = nil
	t.cancel()

	outcome := ledger.OutcomeCompleted
	var errKind ErrorKind
	var errCode string
	switch {
	case res.err == nil && strings.TrimSpace(res.resp.Text) == "":
		outcome = ledger.OutcomeEmptyResponse
	case res.err == nil:
	case KindOf(res.err) == KindSynthesis:
		outcome = ledger.OutcomeSynthesisError
		errKind, errCode = c.reportSynthesisError(t, res)
	case KindOf(res.err) == KindResponse:
		outcome = ledger.OutcomeResponseFailed
		var ve *Error
		errors.As(res.err, &ve)
		errKind, errCode = ve.Kind, ve.Code
		c.emitError(ve.Kind, ve.Code, res.err, ve.Retryable)
	default:
		outcome = ledger.OutcomeCancelled
		errKind, errCode = KindTransport, "send_failed"
	}

	observability.EndSpan(t.span, res.err)
	c.sess.EndTurn(outcome == ledger.OutcomeCancelled)
	c.recordTurn(t, res, outcome, errKind, errCode)
	t.log.Info("turn finished",
		slog.String("outcome", outcome),
		slog.Int("chunks_sent", res.chunks),
		slog.Duration("respond", res.respondTime),
		slog.Duration("speak", res.speakTime),
	)

	if c.endAfterTurn {
		return
	}
	if c.listening {
		c.setState(session.StateListening)
		c.detector.Reset()
		c.armBridge(ctx)
	} else {
		c.setState(session.StateIdle)
	}
	c.offerTurnState()
}

func (c *Controller) reportSynthesisError(t *activeTurn, res turnResult) (ErrorKind, string) {
	var ve *Error
	errors.As(res.err, &ve)
	c.deps.Metrics.ProviderError(string(KindSynthesis), ve.Code)
	t.log.Warn("synthesis failed", slog.String("code", ve.Code), slog.Int("chunks_sent", res.chunks), slog.Any("error", res.err))
	c.emit(protocol.TTSError{
		Type:          protocol.TypeTTSError,
		SessionID:     c.sess.ID,
		TurnID:        t.id,
		Error:         policy.ClientMessage(errText(ve.Err)),
		ChunksSent:    res.chunks,
		Truncated:     res.chunks > 0,
		OriginalInput: t.utt.Text,
	})
	return ve.Kind, ve.Code
}

// cancelActivity cancels the turn and the bridge, closes the ingest buffer
// and waits for the workers, bounded by DrainTimeout. When terminal is false
// a fresh buffer replaces the closed one.
func (c *Controller) cancelActivity(terminal bool) {
	t := c.turn
	b := c.bridge
	if t == nil && b == nil && terminal {
		c.sess.Buffer().Close()
		return
	}
	c.setState(session.StateCancelled)

	if t != nil {
		c.out.DropTurn(t.seq)
		t.cancel()
	}
	c.detachBridge()
	c.stopRearmTimer()
	c.detector.Reset()
	if terminal {
		c.sess.Buffer().Close()
	} else {
		c.sess.ResetBuffer()
	}

	deadline := time.Now().Add(c.cfg.DrainTimeout)
	if t != nil {
		c.turn = nil
		c.speakingC = nil
		c.endAfterTurn = false
		timer := time.NewTimer(time.Until(deadline))
		select {
		case res := <-t.done:
			c.recordTurn(t, res, ledger.OutcomeCancelled, "", "")
		case <-timer.C:
			t.log.Warn("turn worker did not drain in time, abandoning")
			c.recordTurn(t, turnResult{}, ledger.OutcomeCancelled, "", "drain_timeout")
		}
		timer.Stop()
		observability.EndSpan(t.span, context.Canceled)
		c.sess.EndTurn(true)
		t.log.Info("turn cancelled")
		if !terminal {
			c.emit(protocol.TurnState{Type: protocol.TypeTurnState, SessionID: c.sess.ID, TurnID: t.id, State: string(session.StateCancelled)})
		}
	}
	if b != nil && !b.Wait(time.Until(deadline)) {
		c.log.Warn("recognition worker did not drain in time, abandoning")
	}
}

func (c *Controller) recordTurn(t *activeTurn, res turnResult, outcome string, kind ErrorKind, code string) {
	c.deps.Metrics.TurnOutcome(string(t.utt.Source), outcome)
	c.deps.Metrics.ObserveStage("respond", res.respondTime)
	if res.speakTime > 0 {
		c.deps.Metrics.ObserveStage("speak", res.speakTime)
	}
	if c.deps.Ledger == nil {
		return
	}
	record := ledger.TurnRecord{
		ID:          t.id,
		SessionID:   c.sess.ID,
		TurnSeq:     t.seq,
		Source:      string(t.utt.Source),
		Outcome:     outcome,
		ErrorKind:   string(kind),
		ErrorCode:   code,
		EndSession:  t.utt.ShouldEndSession,
		Forced:      t.utt.Forced,
		InputChars:  len(t.utt.Text),
		ChunksSent:  res.chunks,
		RespondTime: res.respondTime,
		SpeakTime:   res.speakTime,
		TotalTime:   time.Since(t.started),
	}
	go func(r ledger.TurnRecord) {
		saveCtx, cancel := context.WithTimeout(context.Background(), ledgerSaveTimeout)
		defer cancel()
		if err := c.deps.Ledger.RecordTurn(saveCtx, r); err != nil {
			c.deps.Metrics.SessionEvent("ledger_save_failed")
			c.log.Warn("ledger save failed", slog.Any("error", err))
		}
	}(record)
}

func (c *Controller) setState(s session.TurnState) {
	prev := c.sess.SetState(s)
	c.state = s
	c.deps.Metrics.StateTransition(string(prev), string(s))
}

func (c *Controller) offerTurnState() {
	msg := protocol.TurnState{Type: protocol.TypeTurnState, SessionID: c.sess.ID, State: string(c.state)}
	if c.turn != nil {
		msg.TurnID = c.turn.id
	}
	c.out.Offer(msg)
}

func (c *Controller) emit(msg any) {
	if !c.out.PushTimeout(msg, c.cfg.CriticalSendTimeout) {
		typ, _ := protocol.TypeOf(msg)
		c.log.Warn("outbound event dropped", slog.String("type", string(typ)))
	}
}

func (c *Controller) emitError(kind ErrorKind, code string, err error, retryable bool) {
	c.deps.Metrics.ProviderError(string(kind), code)
	c.emit(protocol.ErrorEvent{
		Type:      protocol.TypeError,
		SessionID: c.sess.ID,
		Kind:      string(kind),
		Code:      code,
		Message:   policy.ClientMessage(errText(err)),
		Retryable: retryable,
	})
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
