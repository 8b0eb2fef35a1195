package playback

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ent0n29/lexivoice/internal/logging"
	"github.com/ent0n29/lexivoice/internal/observability"
)

type State int

const (
	StateIdle State = iota
	StatePlaying
	StatePaused
)

func (s State) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "idle"
	}
}

// Event is emitted synchronously on every channel transition. Subscribers
// must not call back into the Orchestrator from the callback.
type Event struct {
	Channel string
	State   State
	Handle  string
}

// Synthesizer turns text into a playable handle. An empty handle with a nil
// error means there is nothing to play.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

type Options struct {
	// SingleVoice stops every other channel when one starts playing.
	SingleVoice bool
	Metrics     *observability.Metrics
}

// Orchestrator owns at most one live Track per logical channel.
type Orchestrator struct {
	synth  Synthesizer
	player Player
	opts   Options

	mu       sync.Mutex
	channels map[string]*channel
	subs     map[int]func(Event)
	nextSub  int
}

type channel struct {
	id string

	mu         sync.Mutex
	gen        uint64
	handle     string
	track      Track
	state      State
	watching   <-chan struct{}
	onComplete func()
	onEnd      func()
}

func NewOrchestrator(synth Synthesizer, player Player, opts Options) *Orchestrator {
	return &Orchestrator{
		synth:    synth,
		player:   player,
		opts:     opts,
		channels: make(map[string]*channel),
		subs:     make(map[int]func(Event)),
	}
}

// Subscribe registers fn for every Event and returns an unsubscribe func.
func (o *Orchestrator) Subscribe(fn func(Event)) func() {
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}

// Speak synthesizes text and plays it on ch, replacing whatever the
// channel held. Synthesis failures are swallowed; the return value reports
// whether playback started.
func (o *Orchestrator) Speak(ctx context.Context, ch, text string) bool {
	return o.speak(ctx, ch, text, nil, nil)
}

// PlayHandle plays a resolved handle on ch. onComplete runs when the audio
// reaches its end.
func (o *Orchestrator) PlayHandle(ctx context.Context, ch, handle string, onComplete func()) bool {
	c := o.channel(ch)
	gen := o.supersede(c)
	return o.start(ctx, c, gen, handle, onComplete, nil)
}

// SpeakAndWait speaks text and blocks until playback completes, is stopped
// or replaced, ceiling elapses, or ctx is done. It reports whether the
// audio played to its end.
func (o *Orchestrator) SpeakAndWait(ctx context.Context, ch, text string, ceiling time.Duration) bool {
	completed := make(chan struct{})
	ended := make(chan struct{})
	var completeOnce, endOnce sync.Once
	onComplete := func() { completeOnce.Do(func() { close(completed) }) }
	onEnd := func() { endOnce.Do(func() { close(ended) }) }

	if !o.speak(ctx, ch, text, onComplete, onEnd) {
		return false
	}

	timer := time.NewTimer(ceiling)
	defer timer.Stop()
	select {
	case <-completed:
		return true
	case <-ended:
		return false
	case <-timer.C:
		logging.WarnwCtx(ctx, "playback completion ceiling reached", "channel", ch, "ceiling", ceiling)
		return false
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) speak(ctx context.Context, ch, text string, onComplete, onEnd func()) bool {
	c := o.channel(ch)
	gen := o.supersede(c)

	handle, err := o.synth.Synthesize(ctx, text)
	if err != nil {
		o.opts.Metrics.SynthesisFailed("error")
		logging.WarnwCtx(ctx, "speech synthesis failed", "channel", ch, "error", err)
		return false
	}
	if handle == "" {
		o.opts.Metrics.SynthesisFailed("empty")
		logging.DebugwCtx(ctx, "speech synthesis returned nothing to play", "channel", ch)
		return false
	}
	return o.start(ctx, c, gen, handle, onComplete, onEnd)
}

// supersede bumps the channel generation and stops the current track so a
// pending request owns the channel.
func (o *Orchestrator) supersede(c *channel) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	o.haltLocked(c, true)
	return c.gen
}

func (o *Orchestrator) start(ctx context.Context, c *channel, gen uint64, handle string, onComplete, onEnd func()) bool {
	track, err := o.player.Open(ctx, handle)
	if err != nil {
		logging.WarnwCtx(ctx, "playback open failed", "channel", c.id, "handle", handle, "error", err)
		if onEnd != nil {
			onEnd()
		}
		return false
	}

	if o.opts.SingleVoice {
		o.stopOthers(c.id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		// A newer request owns the channel; drop this one unplayed.
		_ = track.Close()
		if onEnd != nil {
			onEnd()
		}
		return false
	}

	o.haltLocked(c, true)
	c.handle = handle
	c.track = track
	c.onComplete = onComplete
	c.onEnd = onEnd
	return o.playLocked(ctx, c)
}

// playLocked starts or resumes c.track. A rejected Play leaves the channel
// Idle with its handle kept for a later retry.
func (o *Orchestrator) playLocked(ctx context.Context, c *channel) bool {
	// Taken before Play so a run that ends immediately is still observed.
	run := c.track.Done()
	if err := c.track.Play(); err != nil {
		logging.WarnwCtx(ctx, "playback rejected", "channel", c.id, "handle", c.handle, "error", err)
		o.setStateLocked(c, StateIdle)
		o.endLocked(c)
		return false
	}
	o.setStateLocked(c, StatePlaying)

	if run != c.watching {
		c.watching = run
		go o.watch(c, c.track, run)
	}
	return true
}

func (o *Orchestrator) watch(c *channel, track Track, run <-chan struct{}) {
	<-run

	c.mu.Lock()
	if c.track != track || c.watching != run {
		c.mu.Unlock()
		return
	}
	c.watching = nil
	if c.state == StateIdle {
		// Stopped or released before the end.
		c.mu.Unlock()
		return
	}
	cb := c.onComplete
	c.onComplete = nil
	o.setStateLocked(c, StateIdle)
	o.endLocked(c)
	c.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Toggle pauses a playing channel, or resumes/replays a paused or idle
// channel that still has a handle. It returns the resulting state.
func (o *Orchestrator) Toggle(ctx context.Context, ch string) State {
	c := o.channel(ch)

	c.mu.Lock()
	switch {
	case c.state == StatePlaying:
		c.track.Pause()
		o.setStateLocked(c, StatePaused)
		c.mu.Unlock()
		return StatePaused
	case c.track != nil:
		c.mu.Unlock()
		if o.opts.SingleVoice {
			o.stopOthers(ch)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.track == nil {
			return c.state
		}
		o.playLocked(ctx, c)
		return c.state
	case c.handle != "":
		handle := c.handle
		c.gen++
		gen := c.gen
		c.mu.Unlock()
		o.start(ctx, c, gen, handle, nil, nil)
		return o.State(ch)
	default:
		c.mu.Unlock()
		return StateIdle
	}
}

// Stop pauses ch and rewinds it to the start. The track and handle stay
// bound for replay.
func (o *Orchestrator) Stop(ch string) {
	c := o.lookup(ch)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	o.haltLocked(c, false)
}

// Bind attaches a replayable handle to ch without playing it.
func (o *Orchestrator) Bind(ch, handle string) {
	c := o.channel(ch)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == handle {
		return
	}
	c.gen++
	o.haltLocked(c, true)
	c.handle = handle
	o.emitLocked(c)
}

// Release closes the channel's track and forgets the channel.
func (o *Orchestrator) Release(ch string) {
	o.mu.Lock()
	c := o.channels[ch]
	delete(o.channels, ch)
	o.mu.Unlock()
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	o.haltLocked(c, true)
	c.handle = ""
}

// ReleaseAll releases every channel.
func (o *Orchestrator) ReleaseAll() {
	for _, ch := range o.Channels() {
		o.Release(ch)
	}
}

func (o *Orchestrator) State(ch string) State {
	c := o.lookup(ch)
	if c == nil {
		return StateIdle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (o *Orchestrator) Handle(ch string) string {
	c := o.lookup(ch)
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// Channels lists known channel ids in sorted order.
func (o *Orchestrator) Channels() []string {
	o.mu.Lock()
	out := make([]string, 0, len(o.channels))
	for id := range o.channels {
		out = append(out, id)
	}
	o.mu.Unlock()
	sort.Strings(out)
	return out
}

func (o *Orchestrator) stopOthers(except string) {
	for _, ch := range o.Channels() {
		if ch != except {
			o.Stop(ch)
		}
	}
}

// haltLocked stops the current track. With release the track is closed and
// dropped; otherwise it is paused and rewound for replay.
func (o *Orchestrator) haltLocked(c *channel, release bool) {
	if c.track == nil {
		return
	}
	c.track.Pause()
	c.track.Rewind()
	if release {
		if err := c.track.Close(); err != nil {
			logging.Warnw("playback track close failed", "channel", c.id, "error", err)
		}
		c.track = nil
		c.watching = nil
	}
	c.onComplete = nil
	o.setStateLocked(c, StateIdle)
	o.endLocked(c)
}

func (o *Orchestrator) endLocked(c *channel) {
	if c.onEnd != nil {
		end := c.onEnd
		c.onEnd = nil
		end()
	}
}

func (o *Orchestrator) setStateLocked(c *channel, s State) {
	if c.state == s {
		return
	}
	c.state = s
	logging.Debugw("playback transition", "channel", c.id, "state", s.String(), "handle", c.handle)
	o.emitLocked(c)
}

func (o *Orchestrator) emitLocked(c *channel) {
	o.opts.Metrics.PlaybackTransition(c.state.String())
	ev := Event{Channel: c.id, State: c.state, Handle: c.handle}

	o.mu.Lock()
	subs := make([]func(Event), 0, len(o.subs))
	for _, fn := range o.subs {
		subs = append(subs, fn)
	}
	o.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

func (o *Orchestrator) channel(id string) *channel {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.channels[id]
	if !ok {
		c = &channel{id: id}
		o.channels[id] = c
	}
	return c
}

func (o *Orchestrator) lookup(id string) *channel {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.channels[id]
}
