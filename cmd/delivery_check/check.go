package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"nexus-chat/internal/chatclient"
	"nexus-chat/internal/domain"
)

// Scenario describe un caso de entrega contra una API en ejecución.
type Scenario struct {
	Name         string
	Input        string
	Subscribe    bool
	PollInterval time.Duration
	// ResetBeforeReply reinicia la sesión apenas se envía el mensaje.
	ResetBeforeReply bool
	ExpectReplies    int
}

type scenarioResult struct {
	Transcript []domain.Message
	Replies    int
	Errors     int
	ReplyText  string
	Elapsed    time.Duration
}

func defaultScenarios() []Scenario {
	return []Scenario{
		{Name: "Difusión con suscripción activa", Input: "Hola, ¿tienen turnos?", Subscribe: true, PollInterval: time.Hour, ExpectReplies: 1},
		{Name: "Polling sin suscripción", Input: "¿A qué hora abren?", PollInterval: 200 * time.Millisecond, ExpectReplies: 1},
		{Name: "Ambos caminos, una sola respuesta", Input: "Quiero reservar", Subscribe: true, PollInterval: 50 * time.Millisecond, ExpectReplies: 1},
		{Name: "Reinicio antes de la respuesta", Input: "Gracias", Subscribe: true, PollInterval: 50 * time.Millisecond, ResetBeforeReply: true, ExpectReplies: 0},
	}
}

// simulatedWorker hace de flujo de automatización: al recibir un mensaje
// publica una respuesta en el endpoint de publicación después de un retardo.
type simulatedWorker struct {
	baseURL string
	token   string
	delay   time.Duration
	client  *http.Client

	wg sync.WaitGroup
}

func newSimulatedWorker(baseURL, token string, delay time.Duration) *simulatedWorker {
	return &simulatedWorker{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		delay:   delay,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func replyFor(input string) string {
	return "Respuesta a: " + input
}

func (w *simulatedWorker) Send(_ context.Context, sessionID, text string) error {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		time.Sleep(w.delay)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = w.publish(ctx, sessionID, replyFor(text))
	}()
	return nil
}

func (w *simulatedWorker) publish(ctx context.Context, sessionID, text string) error {
	body, err := json.Marshal(map[string]string{"sessionId": sessionID, "text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/api/chat/response", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("publish status=%d", resp.StatusCode)
	}
	return nil
}

func (w *simulatedWorker) Wait() { w.wg.Wait() }

func runScenario(
	ctx context.Context,
	sc Scenario,
	worker *simulatedWorker,
	poller chatclient.Poller,
	subscriber chatclient.Subscriber,
	accessToken string,
	logger *zap.Logger,
) (scenarioResult, error) {
	coord := chatclient.New(worker, poller, subscriber, chatclient.Options{
		PollInterval: sc.PollInterval,
		PollAttempts: 50,
		AccessToken:  accessToken,
		Logger:       logger,
	})
	if err := coord.Open(ctx); err != nil {
		return scenarioResult{}, err
	}
	defer coord.Close()

	waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if subscriber != nil {
		if err := coord.WaitSubscribed(waitCtx); err != nil {
			return scenarioResult{}, fmt.Errorf("subscribe: %w", err)
		}
	}

	start := time.Now()
	if err := coord.Submit(ctx, sc.Input); err != nil {
		return scenarioResult{}, fmt.Errorf("submit: %w", err)
	}
	if sc.ResetBeforeReply {
		coord.Reset()
		worker.Wait()
		// margen para que una entrega tardía, si la hubiera, aparezca
		time.Sleep(3 * sc.PollInterval)
	} else if err := coord.WaitIdle(waitCtx); err != nil {
		return scenarioResult{}, fmt.Errorf("wait reply: %w", err)
	}
	elapsed := time.Since(start)
	worker.Wait()

	return summarize(coord.Transcript(), elapsed), nil
}

func summarize(transcript []domain.Message, elapsed time.Duration) scenarioResult {
	res := scenarioResult{Transcript: transcript, Elapsed: elapsed}
	for _, msg := range transcript {
		switch msg.Role {
		case domain.RoleAssistant:
			res.Replies++
			res.ReplyText = msg.Content
		case domain.RoleError:
			res.Errors++
		}
	}
	return res
}

// evaluate devuelve la lista de problemas encontrados; vacía si el escenario pasó.
func evaluate(sc Scenario, res scenarioResult) []string {
	var problems []string
	if res.Replies != sc.ExpectReplies {
		problems = append(problems, fmt.Sprintf("se esperaban %d respuestas, hubo %d", sc.ExpectReplies, res.Replies))
	}
	if res.Errors > 0 {
		problems = append(problems, fmt.Sprintf("%d entradas de error en el historial", res.Errors))
	}
	if sc.ExpectReplies > 0 && res.Replies > 0 && res.ReplyText != replyFor(sc.Input) {
		problems = append(problems, fmt.Sprintf("respuesta inesperada %q", res.ReplyText))
	}
	if sc.ResetBeforeReply && len(res.Transcript) != 0 {
		problems = append(problems, "el historial no quedó vacío después del reinicio")
	}
	return problems
}
