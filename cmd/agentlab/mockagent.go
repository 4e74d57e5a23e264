package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"github.com/xela07ax/agentlab/internal/agentclient"
	"github.com/xela07ax/agentlab/internal/infra"
	"go.uber.org/zap"
)

// Ответы демо-агента по интенту эвристики.
var mockReplies = map[string]string{
	"greet":           "Здравствуйте! Рад вас видеть. Чем могу помочь?",
	"goodbye":         "До свидания! Всего хорошего!",
	"faq_delivery":    "Доставка осуществляется в течение 1-3 дней. Стоимость зависит от региона.",
	"faq_payment":     "Мы принимаем банковские карты, наличные и электронные платежи.",
	"faq_contacts":    "Наши контакты: телефон +7(XXX)XXX-XX-XX, email: info@example.com",
	"request_booking": "Для оформления заказа укажите, пожалуйста, что именно вас интересует.",
}

const mockFallbackReply = "Спасибо за ваше сообщение. Я постараюсь помочь вам."

// mockagent — процесс, говорящий по протоколу агента. Нужен для демо и
// ручной проверки без установленного Rasa.
func newMockAgentCmd() *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "mockagent",
		Short: "Run a stand-in agent process that speaks the agent HTTP protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := infra.NewLogger(infra.LoggerConfig{Level: "info", Format: "console"})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := &http.Server{
				Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
				Handler:           mockAgentHandler(logger, stop),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			logger.Info("mock agent started", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			logger.Info("mock agent stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "interface to listen on")
	cmd.Flags().IntVarP(&port, "port", "p", 5005, "port to listen on")
	return cmd
}

type mockReply struct {
	RecipientID string `json:"recipient_id"`
	Text        string `json:"text"`
	Intent      struct {
		Name       string  `json:"name"`
		Confidence float64 `json:"confidence"`
	} `json:"intent"`
	Entities []interface{} `json:"entities"`
}

func mockAgentHandler(logger *zap.Logger, onShutdown func()) http.Handler {
	r := chi.NewRouter()

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Hello from Rasa: mock agent"))
	})

	r.Post("/webhooks/rest/webhook", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Sender  string `json:"sender"`
			Message string `json:"message"`
			Text    string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed JSON body", http.StatusBadRequest)
			return
		}
		text := req.Message
		if text == "" {
			text = req.Text
		}

		cls := agentclient.Classify(text)
		reply := mockReply{RecipientID: req.Sender, Text: mockFallbackReply, Entities: []interface{}{}}
		if t, ok := mockReplies[cls.Intent]; ok {
			reply.Text = t
		}
		reply.Intent.Name = cls.Intent
		reply.Intent.Confidence = cls.Confidence
		logger.Info("message received", zap.String("sender", req.Sender), zap.String("intent", cls.Intent))

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode([]mockReply{reply})
	})

	r.Post("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"shutting down"}`))
		go onShutdown()
	})
	return r
}
