package chatclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nexus-chat/internal/domain"
)

const (
	defaultPollInterval     = 2 * time.Second
	defaultSendTimeout      = 20 * time.Second
	defaultResubscribeDelay = 2 * time.Second
	ackTimeout              = 5 * time.Second

	submitErrorReply  = "No pudimos enviar tu mensaje. Intenta de nuevo."
	timeoutErrorReply = "La respuesta está tardando más de lo esperado. Intenta de nuevo."
)

var (
	ErrNotOpen          = errors.New("chat session not open")
	ErrClosed           = errors.New("chat session closed")
	ErrEmptyMessage     = errors.New("empty message")
	ErrRequestInFlight  = errors.New("a request is already awaiting its reply")
	ErrSubmitFailed     = errors.New("submit failed")
	ErrRequestAbandoned = errors.New("request abandoned by reset")
)

// Sender envía el mensaje del usuario al backend.
type Sender interface {
	Send(ctx context.Context, sessionID, text string) error
}

// Reply es una respuesta recibida por cualquiera de los dos caminos.
// UpdatedAt es la versión del registro durable; cero si se desconoce.
type Reply struct {
	Text      string
	UpdatedAt time.Time
}

// Poller consulta la respuesta pendiente de una sesión.
type Poller interface {
	Poll(ctx context.Context, sessionID string) (reply Reply, ok bool, err error)
}

// Acker confirma el consumo de la respuesta pendiente. Con updatedAt cero
// borra lo que haya; si no, sólo esa versión.
type Acker interface {
	Ack(ctx context.Context, sessionID string, updatedAt time.Time) error
}

// Subscriber mantiene la suscripción al canal de difusión de una sesión.
// Bloquea hasta que ctx termina o la conexión se pierde; onActive se llama
// cuando la suscripción queda activa.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string, onActive func(), onMessage func(Reply)) error
}

// State es el estado del request en curso.
type State int

const (
	StateIdle State = iota
	StateAwaitingReply
	StateDelivered
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingReply:
		return "awaiting_reply"
	case StateDelivered:
		return "delivered"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type deliveryPath string

const (
	pathBroadcast deliveryPath = "broadcast"
	pathPoll      deliveryPath = "poll"
)

// Options ajusta el comportamiento del coordinador.
type Options struct {
	PollInterval time.Duration
	// PollAttempts limita los polls por request; 0 significa sin límite.
	PollAttempts     int
	SendTimeout      time.Duration
	ResubscribeDelay time.Duration
	AccessToken      string
	Logger           *zap.Logger
	// OnUpdate recibe una copia del historial cada vez que cambia.
	OnUpdate func(transcript []domain.Message)
}

// Coordinator garantiza que cada mensaje enviado muestre exactamente una
// respuesta, usando el primero de dos caminos: difusión o polling.
//
// Cada señal de entrega lleva la generación de sesión y el id de request con
// los que se originó; deliver las descarta si ya no coinciden con el estado
// actual o si el request ya fue entregado.
type Coordinator struct {
	sender     Sender
	poller     Poller
	acker      Acker
	subscriber Subscriber
	opts       Options
	logger     *zap.Logger

	mu            sync.Mutex
	opened        bool
	closed        bool
	sessionID     string
	generation    uint64
	requestID     uint64
	state         State
	delivered     bool
	subscribed    bool
	transcript    []domain.Message
	sessionCancel context.CancelFunc
	requestCancel context.CancelFunc
	changed       chan struct{}

	notifyMu sync.Mutex
	wg       sync.WaitGroup
}

// New crea un coordinador. Si poller también implementa Acker se usa para
// limpiar la respuesta pendiente antes de cada envío y después de cada entrega.
func New(sender Sender, poller Poller, subscriber Subscriber, opts Options) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.ResubscribeDelay <= 0 {
		opts.ResubscribeDelay = defaultResubscribeDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	acker, _ := poller.(Acker)
	return &Coordinator{
		sender:     sender,
		poller:     poller,
		acker:      acker,
		subscriber: subscriber,
		opts:       opts,
		logger:     logger,
		changed:    make(chan struct{}),
	}
}

// NewSessionID genera un id de sesión. Con un token de acceso, el id lleva un
// prefijo derivado del token para agrupar las sesiones de un mismo chat.
func NewSessionID(accessToken string) string {
	id := uuid.NewString()
	if prefix := tokenPrefix(accessToken); prefix != "" {
		return prefix + "-" + id
	}
	return id
}

// Open inicia la sesión y la suscripción al canal de difusión.
func (c *Coordinator) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.opened {
		c.mu.Unlock()
		return nil
	}
	c.opened = true
	c.startSessionLocked()
	c.mu.Unlock()
	c.notify()
	return nil
}

// Submit agrega el mensaje al historial, lo envía y deja el request esperando
// respuesta. Vuelve cuando el envío termina; la respuesta llega después.
func (c *Coordinator) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case !c.opened:
		c.mu.Unlock()
		return ErrNotOpen
	case c.state == StateAwaitingReply:
		c.mu.Unlock()
		return ErrRequestInFlight
	}
	c.requestID++
	gen, reqID, sessionID := c.generation, c.requestID, c.sessionID
	reqCtx, cancel := context.WithCancel(context.Background())
	c.requestCancel = cancel
	c.state = StateAwaitingReply
	c.delivered = false
	c.appendLocked(domain.RoleUser, text)
	c.signalLocked()
	c.mu.Unlock()
	c.notify()

	// Una respuesta vieja no debe aparecer como respuesta a este mensaje.
	c.ack(reqCtx, sessionID, time.Time{})

	sendCtx, sendCancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	stop := context.AfterFunc(reqCtx, sendCancel)
	err := c.sender.Send(sendCtx, sessionID, text)
	stop()
	sendCancel()

	if err != nil {
		if reqCtx.Err() != nil {
			return ErrRequestAbandoned
		}
		c.logger.Warn("chat submit failed", zap.String("session_id", sessionID), zap.Error(err))
		c.resolve(gen, reqID, domain.RoleError, submitErrorReply, StateIdle)
		return fmt.Errorf("%w: %w", ErrSubmitFailed, err)
	}

	if !c.track() {
		return nil
	}
	go c.pollLoop(reqCtx, gen, reqID, sessionID)
	return nil
}

// Reset abandona la sesión actual, incluido cualquier request en curso, y
// abre una nueva. Devuelve el id de la nueva sesión.
func (c *Coordinator) Reset() string {
	c.mu.Lock()
	if c.closed {
		id := c.sessionID
		c.mu.Unlock()
		return id
	}
	c.cancelLocked()
	c.transcript = nil
	c.opened = true
	c.startSessionLocked()
	id := c.sessionID
	c.mu.Unlock()
	c.notify()
	return id
}

// Close cancela la sesión y espera a que terminen sus goroutines.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.wg.Wait()
		return
	}
	c.closed = true
	c.cancelLocked()
	c.generation++
	c.signalLocked()
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribed indica si la suscripción de la sesión actual está activa.
func (c *Coordinator) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

// Transcript devuelve una copia del historial.
func (c *Coordinator) Transcript() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Message(nil), c.transcript...)
}

// WaitIdle bloquea hasta que no haya un request esperando respuesta.
func (c *Coordinator) WaitIdle(ctx context.Context) error {
	return c.waitFor(ctx, func() bool { return c.state != StateAwaitingReply })
}

// WaitSubscribed bloquea hasta que la suscripción de la sesión actual esté activa.
func (c *Coordinator) WaitSubscribed(ctx context.Context) error {
	return c.waitFor(ctx, func() bool { return c.subscribed })
}

func (c *Coordinator) waitFor(ctx context.Context, cond func() bool) error {
	for {
		c.mu.Lock()
		if cond() {
			c.mu.Unlock()
			return nil
		}
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (c *Coordinator) startSessionLocked() {
	c.generation++
	c.sessionID = NewSessionID(c.opts.AccessToken)
	c.state = StateIdle
	c.delivered = false
	c.subscribed = false
	c.signalLocked()

	if c.subscriber == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.sessionCancel = cancel
	c.wg.Add(1)
	go c.subscribeLoop(ctx, c.generation, c.sessionID)
}

func (c *Coordinator) cancelLocked() {
	if c.requestCancel != nil {
		c.requestCancel()
		c.requestCancel = nil
	}
	if c.sessionCancel != nil {
		c.sessionCancel()
		c.sessionCancel = nil
	}
	c.subscribed = false
}

func (c *Coordinator) subscribeLoop(ctx context.Context, gen uint64, sessionID string) {
	defer c.wg.Done()
	for {
		err := c.subscriber.Subscribe(ctx, sessionID,
			func() { c.setSubscribed(gen, true) },
			func(reply Reply) { c.onBroadcast(gen, reply) },
		)
		c.setSubscribed(gen, false)
		if ctx.Err() != nil {
			return
		}
		// Mientras no haya suscripción el polling cubre la entrega.
		c.logger.Debug("broadcast subscription lost", zap.String("session_id", sessionID), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.ResubscribeDelay):
		}
	}
}

func (c *Coordinator) setSubscribed(gen uint64, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || c.subscribed == active {
		return
	}
	c.subscribed = active
	c.signalLocked()
}

// onBroadcast entrega el mensaje al request pendiente de la sesión, si existe.
func (c *Coordinator) onBroadcast(gen uint64, reply Reply) {
	c.mu.Lock()
	reqID := c.requestID
	c.mu.Unlock()
	c.deliver(gen, reqID, reply, pathBroadcast)
}

func (c *Coordinator) pollLoop(ctx context.Context, gen, reqID uint64, sessionID string) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		attempts++
		reply, ok, err := c.poller.Poll(ctx, sessionID)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			c.logger.Debug("poll failed", zap.String("session_id", sessionID), zap.Int("attempt", attempts), zap.Error(err))
		case ok && strings.TrimSpace(reply.Text) != "":
			c.deliver(gen, reqID, reply, pathPoll)
			return
		}
		if c.opts.PollAttempts > 0 && attempts >= c.opts.PollAttempts {
			c.resolve(gen, reqID, domain.RoleError, timeoutErrorReply, StateIdle)
			return
		}
	}
}

// deliver agrega la respuesta si el request sigue pendiente. Devuelve false
// cuando la señal llega tarde (otro camino ganó, hubo reset o timeout).
// La confirmación posterior sólo borra la versión mostrada, así una respuesta
// más nueva ya guardada para el siguiente request queda intacta.
func (c *Coordinator) deliver(gen, reqID uint64, reply Reply, path deliveryPath) bool {
	sessionID, ok := c.resolve(gen, reqID, domain.RoleAssistant, reply.Text, StateDelivered)
	if !ok {
		c.logger.Debug("stale delivery dropped", zap.String("path", string(path)))
		return false
	}
	c.logger.Debug("reply delivered", zap.String("session_id", sessionID), zap.String("path", string(path)))

	if reply.UpdatedAt.IsZero() || !c.track() {
		return true
	}
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
		defer cancel()
		c.ack(ctx, sessionID, reply.UpdatedAt)
	}()
	return true
}

// resolve cierra el request reqID de la generación gen con una entrada del
// historial. Es el único lugar que marca un request como resuelto.
func (c *Coordinator) resolve(gen, reqID uint64, role, text string, next State) (string, bool) {
	c.mu.Lock()
	if c.closed || gen != c.generation || reqID != c.requestID ||
		c.state != StateAwaitingReply || c.delivered {
		c.mu.Unlock()
		return "", false
	}
	sessionID := c.sessionID
	c.delivered = true
	c.state = next
	c.appendLocked(role, text)
	if c.requestCancel != nil {
		c.requestCancel()
		c.requestCancel = nil
	}
	c.signalLocked()
	c.mu.Unlock()
	c.notify()
	return sessionID, true
}

// track registra una goroutine en wg salvo que el coordinador ya esté cerrado.
func (c *Coordinator) track() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

func (c *Coordinator) ack(ctx context.Context, sessionID string, updatedAt time.Time) {
	if c.acker == nil {
		return
	}
	if err := c.acker.Ack(ctx, sessionID, updatedAt); err != nil {
		c.logger.Debug("pending response ack failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (c *Coordinator) appendLocked(role, text string) {
	c.transcript = append(c.transcript, domain.Message{
		ID:        uuid.NewString(),
		SessionID: c.sessionID,
		Content:   text,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	})
}

func (c *Coordinator) signalLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Coordinator) notify() {
	if c.opts.OnUpdate == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.opts.OnUpdate(c.Transcript())
}
