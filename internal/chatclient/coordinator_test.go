package chatclient

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"nexus-chat/internal/domain"
)

type fakeBackend struct {
	mu       sync.Mutex
	active   bool
	sendErr  error
	onSend   func(sessionID, text string)
	sent     []string
	pending  map[string]Reply
	version  int
	polls    int
	acks     []string
	holdAck  func(n int)
	afterAck func(n int)
	handlers map[string]func(Reply)
}

func newFakeBackend(active bool) *fakeBackend {
	return &fakeBackend{
		active:   active,
		pending:  make(map[string]Reply),
		handlers: make(map[string]func(Reply)),
	}
}

func (f *fakeBackend) Send(_ context.Context, sessionID, text string) error {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	err, hook := f.sendErr, f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(sessionID, text)
	}
	return err
}

func (f *fakeBackend) Poll(_ context.Context, sessionID string) (Reply, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	reply, ok := f.pending[sessionID]
	return reply, ok, nil
}

// Ack imita el DELETE condicional: con updatedAt cero borra siempre.
func (f *fakeBackend) Ack(_ context.Context, sessionID string, updatedAt time.Time) error {
	f.mu.Lock()
	f.acks = append(f.acks, sessionID)
	n, hold, after := len(f.acks), f.holdAck, f.afterAck
	f.mu.Unlock()
	if hold != nil {
		hold(n)
	}

	f.mu.Lock()
	if cur, ok := f.pending[sessionID]; ok && (updatedAt.IsZero() || cur.UpdatedAt.Equal(updatedAt)) {
		delete(f.pending, sessionID)
	}
	f.mu.Unlock()
	if after != nil {
		after(n)
	}
	return nil
}

func (f *fakeBackend) Subscribe(ctx context.Context, sessionID string, onActive func(), onMessage func(Reply)) error {
	f.mu.Lock()
	active := f.active
	if active {
		f.handlers[sessionID] = onMessage
	}
	f.mu.Unlock()

	if active {
		onActive()
	}
	<-ctx.Done()

	f.mu.Lock()
	delete(f.handlers, sessionID)
	f.mu.Unlock()
	return ctx.Err()
}

// publish imita el endpoint: registro durable y difusión a los suscriptores activos.
// Cada publicación recibe una versión nueva.
func (f *fakeBackend) publish(sessionID, text string) {
	f.mu.Lock()
	f.version++
	reply := Reply{Text: text, UpdatedAt: time.Unix(1700000000, 0).Add(time.Duration(f.version) * time.Millisecond)}
	f.pending[sessionID] = reply
	handler := f.handlers[sessionID]
	f.mu.Unlock()
	if handler != nil {
		handler(reply)
	}
}

func (f *fakeBackend) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func (f *fakeBackend) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acks)
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestCoordinator(t *testing.T, backend *fakeBackend, opts Options) *Coordinator {
	t.Helper()
	c := New(backend, backend, backend, opts)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func countRole(msgs []domain.Message, role string) int {
	n := 0
	for _, m := range msgs {
		if m.Role == role {
			n++
		}
	}
	return n
}

func TestCoordinator_BroadcastDelivers(t *testing.T) {
	backend := newFakeBackend(true)
	c := newTestCoordinator(t, backend, Options{PollInterval: time.Hour})

	if err := c.WaitSubscribed(waitCtx(t)); err != nil {
		t.Fatalf("wait subscribed: %v", err)
	}
	if err := c.Submit(context.Background(), "hola"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	backend.publish(c.SessionID(), "Hi there")

	if err := c.WaitIdle(waitCtx(t)); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	got := c.Transcript()
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Role != domain.RoleUser || got[0].Content != "hola" {
		t.Fatalf("unexpected user entry: %+v", got[0])
	}
	if got[1].Role != domain.RoleAssistant || got[1].Content != "Hi there" {
		t.Fatalf("unexpected reply entry: %+v", got[1])
	}
	if c.State() != StateDelivered {
		t.Fatalf("expected delivered, got %s", c.State())
	}

	c.Close()
	// limpieza antes del envío y confirmación después de la entrega
	if backend.ackCount() != 2 {
		t.Fatalf("expected 2 acks, got %d", backend.ackCount())
	}
	if len(backend.pending) != 0 {
		t.Fatalf("expected pending record acknowledged")
	}
}

func TestCoordinator_PollDeliversWithoutSubscription(t *testing.T) {
	backend := newFakeBackend(false)
	c := newTestCoordinator(t, backend, Options{PollInterval: 10 * time.Millisecond})

	if err := c.Submit(context.Background(), "hola"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	backend.publish(c.SessionID(), "Hi there")

	if err := c.WaitIdle(waitCtx(t)); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	got := c.Transcript()
	if countRole(got, domain.RoleAssistant) != 1 || got[len(got)-1].Content != "Hi there" {
		t.Fatalf("unexpected transcript: %+v", got)
	}

	polls := backend.pollCount()
	time.Sleep(50 * time.Millisecond)
	if backend.pollCount() != polls {
		t.Fatalf("polling continued after delivery")
	}
}

func TestCoordinator_BothPathsDeliverOnce(t *testing.T) {
	backend := newFakeBackend(true)
	c := newTestCoordinator(t, backend, Options{PollInterval: 5 * time.Millisecond})

	if err := c.WaitSubscribed(waitCtx(t)); err != nil {
		t.Fatalf("wait subscribed: %v", err)
	}
	if err := c.Submit(context.Background(), "hola"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	backend.publish(c.SessionID(), "Hi there")
	if err := c.WaitIdle(waitCtx(t)); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()
	c.onBroadcast(gen, Reply{Text: "Hi there"})

	if n := countRole(c.Transcript(), domain.RoleAssistant); n != 1 {
		t.Fatalf("expected exactly one reply, got %d", n)
	}
}

func TestCoordinator_ConcurrentSignalsDeliverOnce(t *testing.T) {
	for i := 0; i < 100; i++ {
		backend := newFakeBackend(false)
		c := New(backend, backend, nil, Options{PollInterval: time.Hour})
		if err := c.Open(context.Background()); err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := c.Submit(context.Background(), "hola"); err != nil {
			t.Fatalf("submit: %v", err)
		}

		c.mu.Lock()
		gen, req := c.generation, c.requestID
		c.mu.Unlock()

		var (
			wg    sync.WaitGroup
			start = make(chan struct{})
			mu    sync.Mutex
			wins  int
		)
		for _, path := range []deliveryPath{pathBroadcast, pathPoll} {
			wg.Add(1)
			go func(p deliveryPath) {
				defer wg.Done()
				<-start
				if c.deliver(gen, req, Reply{Text: "reply via " + string(p)}, p) {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(path)
		}
		close(start)
		wg.Wait()

		if wins != 1 {
			t.Fatalf("iteration %d: expected one winner, got %d", i, wins)
		}
		if n := countRole(c.Transcript(), domain.RoleAssistant); n != 1 {
			t.Fatalf("iteration %d: expected one reply, got %d", i, n)
		}
		c.Close()
	}
}

func TestCoordinator_ResetDropsStaleReply(t *testing.T) {
	backend := newFakeBackend(true)
	c := newTestCoordinator(t, backend, Options{PollInterval: 5 * time.Millisecond})

	if err := c.WaitSubscribed(waitCtx(t)); err != nil {
		t.Fatalf("wait subscribed: %v", err)
	}
	if err := c.Submit(context.Background(), "hola"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	c.mu.Lock()
	oldGen, oldReq := c.generation, c.requestID
	c.mu.Unlock()
	oldID := c.SessionID()

	newID := c.Reset()
	if newID == oldID {
		t.Fatalf("expected a new session id")
	}
	if len(c.Transcript()) != 0 {
		t.Fatalf("expected empty transcript after reset")
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle after reset, got %s", c.State())
	}

	backend.publish(oldID, "late reply")
	c.onBroadcast(oldGen, Reply{Text: "late reply"})
	if c.deliver(oldGen, oldReq, Reply{Text: "late reply"}, pathPoll) {
		t.Fatalf("stale delivery accepted")
	}
	time.Sleep(30 * time.Millisecond)

	if len(c.Transcript()) != 0 {
		t.Fatalf("stale reply rendered in new session: %+v", c.Transcript())
	}
}

func TestCoordinator_SubmitFailure(t *testing.T) {
	backend := newFakeBackend(false)
	backend.sendErr = errors.New("boom")
	c := newTestCoordinator(t, backend, Options{PollInterval: 5 * time.Millisecond})

	err := c.Submit(context.Background(), "hola")
	if !errors.Is(err, ErrSubmitFailed) {
		t.Fatalf("expected ErrSubmitFailed, got %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %s", c.State())
	}
	got := c.Transcript()
	if len(got) != 2 || got[1].Role != domain.RoleError || got[1].Content != submitErrorReply {
		t.Fatalf("unexpected transcript: %+v", got)
	}

	time.Sleep(30 * time.Millisecond)
	if backend.pollCount() != 0 {
		t.Fatalf("expected no polling after failed submit")
	}

	backend.mu.Lock()
	backend.sendErr = nil
	backend.mu.Unlock()
	if err := c.Submit(context.Background(), "otra vez"); err != nil {
		t.Fatalf("submit after failure: %v", err)
	}
}

func TestCoordinator_PollExhaustion(t *testing.T) {
	backend := newFakeBackend(false)
	c := newTestCoordinator(t, backend, Options{PollInterval: 5 * time.Millisecond, PollAttempts: 3})

	if err := c.Submit(context.Background(), "hola"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.WaitIdle(waitCtx(t)); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	got := c.Transcript()
	last := got[len(got)-1]
	if last.Role != domain.RoleError || last.Content != timeoutErrorReply {
		t.Fatalf("expected timeout entry, got %+v", last)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %s", c.State())
	}
	if backend.pollCount() != 3 {
		t.Fatalf("expected 3 polls, got %d", backend.pollCount())
	}

	// una respuesta tardía no se muestra
	backend.publish(c.SessionID(), "late")
	time.Sleep(20 * time.Millisecond)
	if countRole(c.Transcript(), domain.RoleAssistant) != 0 {
		t.Fatalf("late reply rendered after timeout")
	}
}

func TestCoordinator_SubmitGuards(t *testing.T) {
	backend := newFakeBackend(false)
	c := New(backend, backend, backend, Options{PollInterval: time.Hour})

	if err := c.Submit(context.Background(), "hola"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.Submit(context.Background(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if err := c.Submit(context.Background(), "hola"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.Submit(context.Background(), "otra"); !errors.Is(err, ErrRequestInFlight) {
		t.Fatalf("expected ErrRequestInFlight, got %v", err)
	}

	c.Close()
	if err := c.Submit(context.Background(), "hola"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCoordinator_BroadcastWhileIdleIgnored(t *testing.T) {
	backend := newFakeBackend(true)
	c := newTestCoordinator(t, backend, Options{PollInterval: time.Hour})

	if err := c.WaitSubscribed(waitCtx(t)); err != nil {
		t.Fatalf("wait subscribed: %v", err)
	}
	backend.publish(c.SessionID(), "unsolicited")
	if len(c.Transcript()) != 0 {
		t.Fatalf("expected no entries, got %+v", c.Transcript())
	}
}

func TestCoordinator_ClearsLeftoverBeforeSend(t *testing.T) {
	backend := newFakeBackend(false)
	c := newTestCoordinator(t, backend, Options{PollInterval: 5 * time.Millisecond})
	sessionID := c.SessionID()
	backend.pending[sessionID] = Reply{Text: "previous reply", UpdatedAt: time.Unix(1600000000, 0)}

	var leftover bool
	backend.onSend = func(id, _ string) {
		backend.mu.Lock()
		_, leftover = backend.pending[id]
		backend.mu.Unlock()
	}
	if err := c.Submit(context.Background(), "hola"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if leftover {
		t.Fatalf("leftover record still present at send time")
	}

	time.Sleep(20 * time.Millisecond)
	if c.State() != StateAwaitingReply {
		t.Fatalf("expected awaiting reply, got %s", c.State())
	}
	backend.publish(sessionID, "fresh reply")
	if err := c.WaitIdle(waitCtx(t)); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	got := c.Transcript()
	if got[len(got)-1].Content != "fresh reply" {
		t.Fatalf("unexpected reply: %+v", got[len(got)-1])
	}
}

func TestCoordinator_LateAckKeepsNextReply(t *testing.T) {
	backend := newFakeBackend(false)
	c := newTestCoordinator(t, backend, Options{PollInterval: 5 * time.Millisecond, PollAttempts: 40})
	sessionID := c.SessionID()

	// el ack posterior a la primera entrega (el segundo) queda retenido
	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	backend.holdAck = func(n int) {
		if n == 2 {
			close(held)
			<-release
		}
	}
	backend.afterAck = func(n int) {
		if n == 2 {
			close(done)
		}
	}

	if err := c.Submit(context.Background(), "uno"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	backend.publish(sessionID, "respuesta uno")
	if err := c.WaitIdle(waitCtx(t)); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	select {
	case <-held:
	case <-waitCtx(t).Done():
		t.Fatalf("post-delivery ack never started")
	}

	// la respuesta dos se guarda y el ack viejo se libera antes del primer poll
	backend.mu.Lock()
	backend.onSend = func(id, text string) {
		if text != "dos" {
			return
		}
		backend.publish(id, "respuesta dos")
		close(release)
		<-done
	}
	backend.mu.Unlock()

	if err := c.Submit(context.Background(), "dos"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.WaitIdle(waitCtx(t)); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	got := c.Transcript()
	last := got[len(got)-1]
	if last.Role != domain.RoleAssistant || last.Content != "respuesta dos" {
		t.Fatalf("expected second reply, got %+v", last)
	}
}

func TestCoordinator_UnversionedReplySkipsAck(t *testing.T) {
	backend := newFakeBackend(false)
	c := newTestCoordinator(t, backend, Options{PollInterval: time.Hour})
	if err := c.Submit(context.Background(), "hola"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	c.mu.Lock()
	gen, req := c.generation, c.requestID
	c.mu.Unlock()
	if !c.deliver(gen, req, Reply{Text: "sin registro"}, pathBroadcast) {
		t.Fatalf("expected delivery")
	}
	c.Close()
	// sólo la limpieza previa al envío
	if backend.ackCount() != 1 {
		t.Fatalf("expected 1 ack, got %d", backend.ackCount())
	}
}

func TestCoordinator_OnUpdate(t *testing.T) {
	backend := newFakeBackend(true)
	var (
		mu      sync.Mutex
		updates [][]domain.Message
	)
	c := newTestCoordinator(t, backend, Options{
		PollInterval: time.Hour,
		OnUpdate: func(transcript []domain.Message) {
			mu.Lock()
			updates = append(updates, transcript)
			mu.Unlock()
		},
	})
	if err := c.WaitSubscribed(waitCtx(t)); err != nil {
		t.Fatalf("wait subscribed: %v", err)
	}
	if err := c.Submit(context.Background(), "hola"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	backend.publish(c.SessionID(), "Hi there")
	if err := c.WaitIdle(waitCtx(t)); err != nil {
		t.Fatalf("wait idle: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	last := updates[len(updates)-1]
	if len(last) != 2 || last[1].Content != "Hi there" {
		t.Fatalf("unexpected last update: %+v", last)
	}
}

func TestNewSessionID(t *testing.T) {
	a := NewSessionID("")
	b := NewSessionID("")
	if a == b {
		t.Fatalf("expected unique ids")
	}

	x := NewSessionID("token-1")
	y := NewSessionID("token-1")
	prefix := tokenPrefix("token-1")
	if !strings.HasPrefix(x, prefix+"-") || !strings.HasPrefix(y, prefix+"-") {
		t.Fatalf("expected shared token prefix, got %q and %q", x, y)
	}
	if x == y {
		t.Fatalf("expected unique ids for the same token")
	}
	if strings.Contains(x, "token-1") {
		t.Fatalf("session id leaks the access token")
	}
}
