// Package server hosts the webhook ingress. Handlers stay narrow: validate
// the payload shape, mark the channel as delivering, hand the account to
// the reconciler asynchronously and acknowledge. Providers do not retry on
// non-2xx, so every delivery is acknowledged no matter what.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/recaphq/sync-worker/internal/logger"
	"github.com/recaphq/sync-worker/internal/models"
	"github.com/recaphq/sync-worker/internal/repository"
	"github.com/recaphq/sync-worker/internal/service"
)

// resource states that only verify the channel and carry no change signal
const (
	stateSync         = "sync"
	stateVerification = "verification"
)

// Dispatch hands one account to the reconciliation layer without blocking
// the HTTP response.
type Dispatch func(accountID string, trigger models.RunTrigger)

type Server struct {
	channels service.ChannelStore
	dispatch Dispatch
	httpSrv  *http.Server
}

func New(port string, channels service.ChannelStore, dispatch Dispatch) *Server {
	s := &Server{
		channels: channels,
		dispatch: dispatch,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/webhooks/google-calendar", s.handleGoogleWebhook).Methods(http.MethodPost)
	router.HandleFunc("/webhooks/botfeed", s.handleBotFeedWebhook).Methods(http.MethodPost)

	s.httpSrv = &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	logger.WithField("addr", s.httpSrv.Addr).Info("Webhook server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleGoogleWebhook receives Google Calendar push notifications. The
// payload is header-based and intentionally content-free; the reconciler
// re-derives truth from the provider, so the handler only needs the
// channel identity.
func (s *Server) handleGoogleWebhook(w http.ResponseWriter, r *http.Request) {
	channelID := r.Header.Get("X-Goog-Channel-ID")
	resourceState := r.Header.Get("X-Goog-Resource-State")

	s.receive(r.Context(), channelID, resourceState, logrus.Fields{
		"provider":    "google-calendar",
		"channel_id":  channelID,
		"resource_id": r.Header.Get("X-Goog-Resource-ID"),
		"state":       resourceState,
	})
	w.WriteHeader(http.StatusOK)
}

type botFeedNotification struct {
	ChannelID     string `json:"channel_id"`
	ResourceID    string `json:"resource_id"`
	ResourceState string `json:"resource_state"`
	EventID       string `json:"event_id"`
}

// handleBotFeedWebhook receives bot vendor notifications as a small JSON
// body. Malformed bodies are logged and acknowledged; rejecting them would
// only make the vendor redeliver the same garbage.
func (s *Server) handleBotFeedWebhook(w http.ResponseWriter, r *http.Request) {
	var payload botFeedNotification
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		logger.Log.WithError(err).Warn("Malformed bot-feed webhook payload")
		w.WriteHeader(http.StatusOK)
		return
	}

	s.receive(r.Context(), payload.ChannelID, payload.ResourceState, logrus.Fields{
		"provider":   "bot-feed",
		"channel_id": payload.ChannelID,
		"event_id":   payload.EventID,
		"state":      payload.ResourceState,
	})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) receive(ctx context.Context, channelID, resourceState string, fields logrus.Fields) {
	log := logger.WithFields(fields)

	if channelID == "" {
		log.Warn("Webhook delivery without a channel id")
		return
	}

	channel, err := s.channels.GetByChannelID(ctx, channelID)
	if err != nil {
		if errors.Is(err, repository.ErrChannelNotFound) {
			// Deliveries for stopped or replaced channels trail off on
			// their own; nothing to do.
			log.Debug("Webhook delivery for unknown channel")
		} else {
			log.WithError(err).Error("Channel lookup failed")
		}
		return
	}

	if err := s.channels.TouchReceived(ctx, channelID); err != nil {
		log.WithError(err).Warn("Failed to record webhook delivery")
	}

	if resourceState == stateSync || resourceState == stateVerification {
		log.Debug("Channel verification delivery")
		return
	}

	log.WithField("account_id", channel.AccountID).Debug("Webhook delivery accepted")
	s.dispatch(channel.AccountID, models.TriggerWebhook)
}
