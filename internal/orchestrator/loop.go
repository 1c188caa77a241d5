package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voiceloop/internal/dialogue"
	"github.com/MrWong99/voiceloop/internal/transcribe"
	"github.com/MrWong99/voiceloop/pkg/audio"
	"github.com/MrWong99/voiceloop/pkg/memory"
	"github.com/MrWong99/voiceloop/pkg/provider/vad"
	"github.com/MrWong99/voiceloop/pkg/provider/vad/energy"
)

// Results posted back to the event loop. Every result of asynchronous work
// carries the epoch it was started in.
type (
	transcribed struct {
		epoch uint64
		text  string
		err   error
	}
	sentenceReady struct {
		epoch    uint64
		sentence dialogue.Sentence
	}
	responded struct {
		epoch uint64
		resp  *dialogue.Response
		err   error
	}
	speechDone struct {
		epoch uint64
	}
	timerFired struct {
		kind timerKind
		id   uint64
	}
	playbackStarted struct{}
	speechFailed    struct {
		text string
		err  error
	}
)

func (o *Orchestrator) run() {
	defer close(o.done)
	for {
		select {
		case <-o.quit:
			o.stopTimers()
			return
		case ev := <-o.events:
			o.handle(ev)
		case frame, ok := <-o.chunks:
			if !ok {
				o.chunks = nil
				o.deviceLost()
				continue
			}
			o.onChunk(frame)
		}
	}
}

func (o *Orchestrator) handle(ev any) {
	switch ev := ev.(type) {
	case command:
		ev.reply <- ev.fn()
	case transcribed:
		o.onTranscribed(ev)
	case sentenceReady:
		o.onSentence(ev)
	case responded:
		o.onResponded(ev)
	case speechDone:
		o.onSpeechDone(ev)
	case timerFired:
		o.onTimer(ev)
	case playbackStarted:
		if o.firstAudio {
			o.firstAudio = false
			if o.metrics != nil {
				o.metrics.FirstAudioLatency.Record(o.ctx, time.Since(o.segmentEnd).Seconds())
			}
		}
	case speechFailed:
		o.report(fmt.Errorf("orchestrator: speak %q: %w", ev.text, ev.err))
	}
}

func (o *Orchestrator) setState(s State) {
	if State(o.state.Swap(int32(s))) == s {
		return
	}
	o.mu.Lock()
	o.sess.State = s.String()
	o.mu.Unlock()
	slog.Debug("orchestrator: state changed", "session_id", o.sess.ID, "state", s.String())
	if o.hooks.OnState != nil {
		o.hooks.OnState(s)
	}
	if s == StateIdle || s == StateListening {
		o.armSilence()
	}
}

// ─── Listening ───────────────────────────────────────────────────────────────

func (o *Orchestrator) startListening() error {
	switch o.State() {
	case StateListening:
		return nil
	case StateProcessing:
		return ErrBusy
	case StateSpeaking:
		o.interrupt("barge_in")
	}
	return o.listen()
}

// listen opens the microphone if needed and starts a recording. In
// continuous mode a fresh detector calibrates on the first chunks.
func (o *Orchestrator) listen() error {
	o.cancelTimer(timerResume)
	sess := o.Session()
	if !o.c.Recorder.IsOpen() {
		if err := o.c.Recorder.Open(o.ctx); err != nil {
			o.setState(StateIdle)
			return fmt.Errorf("orchestrator: start listening: %w", err)
		}
	}
	if !sess.Continuous {
		o.cancelTimer(timerSilence)
	}
	if sess.Continuous {
		if err := o.newDetector(sess.Sensitivity); err != nil {
			o.releaseRecorder()
			o.setState(StateIdle)
			return fmt.Errorf("orchestrator: start listening: %w", err)
		}
	}
	o.chunks = o.c.Recorder.Chunks()
	o.c.Recorder.Begin()
	o.setState(StateListening)
	return nil
}

func (o *Orchestrator) newDetector(sensitivity int) error {
	o.closeDetector()
	cfg := o.cfg.VAD
	cfg.Sensitivity = sensitivity
	if o.analyzer == nil {
		a, err := energy.NewAnalyzer(energy.AnalyzerConfig{Gain: o.cfg.ContinuousGain})
		if err != nil {
			return err
		}
		o.analyzer = a
	}
	// Levels restart at zero for every detector.
	o.analyzer.Reset()
	d, err := o.c.VAD.NewSession(cfg)
	if err != nil {
		return err
	}
	o.detector = d
	o.setCalibrating(d.State() == vad.StateCalibrating)
	return nil
}

func (o *Orchestrator) setCalibrating(on bool) {
	if o.calibrating == on {
		return
	}
	o.calibrating = on
	if on {
		slog.Debug("orchestrator: calibrating", "session_id", o.sess.ID)
	}
	if o.hooks.OnCalibrating != nil {
		o.hooks.OnCalibrating(on)
	}
}

func (o *Orchestrator) closeDetector() {
	o.cancelTimer(timerGrace)
	if o.detector == nil {
		return
	}
	if err := o.detector.Close(); err != nil {
		slog.Debug("orchestrator: close detector", "err", err)
	}
	o.detector = nil
	o.setCalibrating(false)
}

func (o *Orchestrator) releaseRecorder() {
	o.chunks = nil
	if err := o.c.Recorder.Close(); err != nil {
		slog.Warn("orchestrator: release microphone", "session_id", o.sess.ID, "err", err)
	}
}

func (o *Orchestrator) onChunk(frame audio.AudioFrame) {
	if o.State() != StateListening || o.detector == nil {
		return
	}
	for _, l := range o.analyzer.Process(frame) {
		ev := o.detector.ProcessLevel(l.Value, l.At)
		switch ev.Type {
		case vad.EventCalibrated:
			o.setCalibrating(false)
			p, _ := o.detector.Calibration()
			slog.Debug("orchestrator: calibrated",
				"session_id", o.sess.ID,
				"background", p.BackgroundNoiseLevel,
				"threshold", ev.Threshold,
			)
		case vad.EventSpeechStart:
			o.cancelTimer(timerSilence)
		case vad.EventSegmentComplete:
			o.schedule(timerGrace, o.cfg.StopGrace)
		}
	}
}

func (o *Orchestrator) deviceLost() {
	o.closeDetector()
	o.cancelTimer(timerResume)
	_ = o.c.Recorder.Close()
	o.report(fmt.Errorf("orchestrator: microphone lost: %w", audio.ErrDeviceUnavailable))
	if o.State() == StateListening {
		o.setState(StateIdle)
	}
}

// finishSegment ends the recording and hands it to the transcriber.
// Segments shorter than MinSegment never leave the orchestrator.
func (o *Orchestrator) finishSegment() {
	o.closeDetector()
	seg, ok := o.c.Recorder.End()
	sess := o.Session()
	if !sess.Continuous {
		o.releaseRecorder()
	}
	if !ok || seg.IsEmpty() || seg.Duration < o.cfg.MinSegment {
		slog.Debug("orchestrator: segment too short, discarding", "session_id", sess.ID, "duration", seg.Duration)
		o.bounce()
		return
	}

	o.setState(StateProcessing)
	o.segmentEnd = time.Now()
	o.firstAudio = true
	o.spoke = false
	ctx := o.beginTurn()
	epoch := o.epoch
	go func() {
		text, err := o.c.Transcriber.Transcribe(ctx, seg, sess.Language)
		o.post(transcribed{epoch: epoch, text: text, err: err})
	}()
}

// bounce returns to listening in continuous mode and to Idle otherwise.
func (o *Orchestrator) bounce() {
	o.endTurn()
	if !o.Session().Continuous {
		o.setState(StateIdle)
		return
	}
	if err := o.listen(); err != nil {
		o.report(err)
		return
	}
	o.armSilence()
}

// ─── Processing ──────────────────────────────────────────────────────────────

func (o *Orchestrator) beginTurn() context.Context {
	o.endTurn()
	ctx, cancel := context.WithCancel(o.ctx)
	o.turnCancel = cancel
	return ctx
}

// endTurn cancels the work of the current turn and forgets its user turn
// unless the reply already committed it.
func (o *Orchestrator) endTurn() {
	if o.turnCancel != nil {
		o.turnCancel()
		o.turnCancel = nil
	}
	o.pending = nil
}

func (o *Orchestrator) onTranscribed(ev transcribed) {
	if ev.epoch != o.epoch || o.State() != StateProcessing {
		return
	}
	if ev.err != nil {
		if errors.Is(ev.err, transcribe.ErrEmptyTranscript) {
			o.report(ev.err)
			o.bounce()
			return
		}
		o.fail(ev.err)
		return
	}
	if o.commands.IsStop(ev.text) {
		o.stopAll("voice_command")
		return
	}

	o.clearSilence()
	history := o.transcript.Turns()

	sess := o.Session()
	req := dialogue.Request{
		UserText: ev.text,
		History:  history,
		Customer: o.Customer(),
		Language: sess.Language,
		AgentID:  sess.AgentID,
		Options:  o.cfg.Dialogue,
	}
	ctx := o.beginTurn()
	o.pending = &memory.Turn{Role: memory.RoleUser, Text: ev.text, Timestamp: time.Now()}
	epoch := o.epoch
	go func() {
		resp, err := o.c.Dialogue.Respond(ctx, req, func(s dialogue.Sentence) {
			o.post(sentenceReady{epoch: epoch, sentence: s})
		})
		o.post(responded{epoch: epoch, resp: resp, err: err})
	}()
}

func (o *Orchestrator) inReply() bool {
	s := o.State()
	return s == StateProcessing || s == StateSpeaking
}

func (o *Orchestrator) onSentence(ev sentenceReady) {
	if ev.epoch != o.epoch || !o.inReply() {
		return
	}
	if o.c.Speech.Enqueue(ev.sentence.Text) {
		o.spoke = true
		o.setState(StateSpeaking)
	}
}

func (o *Orchestrator) onResponded(ev responded) {
	if ev.epoch != o.epoch || !o.inReply() {
		return
	}
	if ev.err != nil {
		if !o.spoke {
			o.fail(ev.err)
			return
		}
		o.report(ev.err)
		o.markEndOfReply()
		return
	}

	resp := ev.resp
	if o.pending != nil {
		o.addTurn(*o.pending)
		o.pending = nil
	}
	if resp.Text != "" {
		o.addTurn(memory.Turn{Role: memory.RoleAssistant, Text: resp.Text, Timestamp: time.Now()})
	}
	if resp.Customer != nil && !resp.Customer.IsEmpty() {
		o.mergeCustomer(*resp.Customer)
	}
	if resp.LanguageSwitch != "" {
		o.applyLanguage(resp.LanguageSwitch)
	}
	if dialogue.EndsWithQuestion(resp.Text) {
		o.question = dialogue.LastQuestion(resp.Text)
		o.retries = 0
	}
	o.markEndOfReply()
}

// markEndOfReply queues the end-of-turn marker behind everything already
// enqueued for speech.
func (o *Orchestrator) markEndOfReply() {
	epoch := o.epoch
	o.c.Speech.Mark(func() { o.post(speechDone{epoch: epoch}) })
}

func (o *Orchestrator) onSpeechDone(ev speechDone) {
	if ev.epoch != o.epoch || !o.inReply() {
		return
	}
	o.endTurn()
	continuous := o.Session().Continuous
	if !continuous {
		o.releaseRecorder()
	}
	o.setState(StateIdle)
	if continuous {
		o.schedule(timerResume, o.cfg.ResumeDelay)
	}
}

// fail reports a recoverable error and returns to Idle. Continuous mode
// resumes listening after ErrorResumeDelay.
func (o *Orchestrator) fail(err error) {
	o.report(err)
	o.endTurn()
	o.closeDetector()
	o.c.Recorder.End()
	continuous := o.Session().Continuous
	if !continuous {
		o.releaseRecorder()
	}
	o.setState(StateIdle)
	if continuous {
		o.schedule(timerResume, o.cfg.ErrorResumeDelay)
	}
}

func (o *Orchestrator) report(err error) {
	slog.Warn("orchestrator: turn error", "session_id", o.sess.ID, "state", o.State().String(), "err", err)
	if o.hooks.OnError != nil {
		o.hooks.OnError(err)
	}
}

// ─── Stopping ────────────────────────────────────────────────────────────────

func (o *Orchestrator) stopAll(reason string) {
	from := o.State()
	o.halt()
	if o.metrics != nil {
		o.metrics.RecordInterruption(o.ctx, reason)
	}
	slog.Info("orchestrator: global stop", "session_id", o.sess.ID, "reason", reason, "from", from.String())
}

// halt invalidates all work in flight, releases the microphone, clears the
// speech queue and returns to Idle.
func (o *Orchestrator) halt() {
	o.epoch++
	o.endTurn()
	o.clearSilence()
	o.stopTimers()
	o.closeDetector()
	o.releaseRecorder()
	o.c.Speech.StopAll()
	o.setState(StateIdle)
}

// interrupt cuts the reply short so the user can speak.
func (o *Orchestrator) interrupt(reason string) {
	o.epoch++
	o.endTurn()
	o.cancelTimer(timerResume)
	o.c.Speech.StopAll()
	if o.metrics != nil {
		o.metrics.RecordInterruption(o.ctx, reason)
	}
}

// ─── Settings ────────────────────────────────────────────────────────────────

func (o *Orchestrator) setContinuous(on bool) error {
	o.mu.Lock()
	changed := o.sess.Continuous != on
	o.sess.Continuous = on
	o.mu.Unlock()
	o.c.Recorder.SetChunkInterval(chunkInterval(on))
	if !changed {
		return nil
	}

	if on {
		if o.State() == StateIdle {
			return o.listen()
		}
		return nil
	}
	o.cancelTimer(timerResume)
	switch o.State() {
	case StateListening:
		o.closeDetector()
		o.c.Recorder.End()
		o.releaseRecorder()
		o.setState(StateIdle)
	case StateIdle:
		o.releaseRecorder()
	}
	return nil
}

func (o *Orchestrator) applyLanguage(lang string) {
	o.mu.Lock()
	prev := o.sess.Language
	o.sess.Language = lang
	o.mu.Unlock()
	if prev == lang {
		return
	}
	o.c.Speech.SetLanguage(lang)
	slog.Info("orchestrator: language switched", "session_id", o.sess.ID, "from", prev, "to", lang)
	if o.hooks.OnLanguage != nil {
		o.hooks.OnLanguage(lang)
	}
}

func (o *Orchestrator) clearContext() {
	o.transcript.Reset()
	o.clearSilence()
	o.mu.Lock()
	o.customer = memory.CustomerContext{}
	scope := o.sess.Scope()
	o.mu.Unlock()
	o.persist(func(ctx context.Context) { _ = o.store.ClearCustomer(ctx, scope) })
}

// ─── Memory ──────────────────────────────────────────────────────────────────

func (o *Orchestrator) addTurn(t memory.Turn) {
	o.transcript.Append(t)
	id := o.sess.ID
	o.persist(func(ctx context.Context) { _ = o.store.AppendTurn(ctx, id, t) })
	if o.metrics != nil {
		o.metrics.RecordTurn(o.ctx, string(t.Role))
	}
	if o.hooks.OnTurn != nil {
		o.hooks.OnTurn(t)
	}
}

func (o *Orchestrator) mergeCustomer(c memory.CustomerContext) {
	o.mu.Lock()
	o.customer = o.customer.Merge(c)
	scope := o.sess.Scope()
	o.mu.Unlock()
	o.persist(func(ctx context.Context) { _, _ = o.store.MergeCustomer(ctx, scope, c) })
}

// ─── Silence ─────────────────────────────────────────────────────────────────

func (o *Orchestrator) armSilence() {
	if o.question == "" || o.retries >= o.cfg.MaxSilenceRetries || o.recordingManually() {
		return
	}
	if _, armed := o.timers[timerSilence]; armed {
		return
	}
	o.schedule(timerSilence, o.cfg.SilenceTimeout)
}

// recordingManually reports a push-to-talk recording in progress. The
// silence timer stays off until it ends.
func (o *Orchestrator) recordingManually() bool {
	return o.State() == StateListening && o.detector == nil
}

func (o *Orchestrator) clearSilence() {
	o.cancelTimer(timerSilence)
	o.question = ""
	o.retries = 0
}

// onSilence repeats the unanswered question.
func (o *Orchestrator) onSilence() {
	if o.question == "" || o.retries >= o.cfg.MaxSilenceRetries {
		return
	}
	st := o.State()
	if st != StateIdle && st != StateListening {
		return
	}
	if o.recordingManually() {
		return
	}
	if o.detector != nil {
		switch o.detector.State() {
		case vad.StateSpeaking:
			return
		case vad.StatePotentialSpeech:
			o.schedule(timerSilence, o.cfg.SilenceTimeout)
			return
		}
	}

	o.retries++
	if o.metrics != nil {
		o.metrics.SilenceRetries.Add(o.ctx, 1)
	}
	sess := o.Session()
	text := o.prompt(sess.Language, o.question)
	slog.Info("orchestrator: no answer, repeating question", "session_id", sess.ID, "attempt", o.retries)

	o.cancelTimer(timerResume)
	o.closeDetector()
	o.c.Recorder.End()
	if !sess.Continuous {
		o.releaseRecorder()
	}
	o.addTurn(memory.Turn{Role: memory.RoleAssistant, Text: text, Timestamp: time.Now()})
	o.spoke = o.c.Speech.Enqueue(text)
	o.setState(StateSpeaking)
	o.markEndOfReply()
}

// ─── Timers ──────────────────────────────────────────────────────────────────

type timerKind int

const (
	timerGrace timerKind = iota
	timerResume
	timerSilence
)

// timer is an armed timer. Its id identifies the arming, so an expiry that
// raced with a cancel is recognised as stale.
type timer struct {
	id uint64
	t  *time.Timer
}

func (o *Orchestrator) schedule(kind timerKind, d time.Duration) {
	o.cancelTimer(kind)
	o.timerSeq++
	id := o.timerSeq
	o.timers[kind] = &timer{
		id: id,
		t:  time.AfterFunc(d, func() { o.post(timerFired{kind: kind, id: id}) }),
	}
}

func (o *Orchestrator) cancelTimer(kind timerKind) {
	if t, ok := o.timers[kind]; ok {
		t.t.Stop()
		delete(o.timers, kind)
	}
}

func (o *Orchestrator) stopTimers() {
	for kind := range o.timers {
		o.cancelTimer(kind)
	}
}

func (o *Orchestrator) onTimer(ev timerFired) {
	t, ok := o.timers[ev.kind]
	if !ok || t.id != ev.id {
		return
	}
	delete(o.timers, ev.kind)

	switch ev.kind {
	case timerGrace:
		if o.State() == StateListening {
			o.finishSegment()
		}
	case timerResume:
		if o.State() == StateIdle && o.Session().Continuous {
			if err := o.listen(); err != nil {
				o.report(err)
			}
		}
	case timerSilence:
		o.onSilence()
	}
}
