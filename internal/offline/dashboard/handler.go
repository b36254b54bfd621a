package dashboard

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/learnpath/learnsync/internal/offline/connectivity"
	syncpkg "github.com/learnpath/learnsync/internal/offline/sync"
)

// ConnectivityData contains a connectivity transition
type ConnectivityData struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// StatsData contains queue statistics
type StatsData struct {
	Online      bool               `json:"online"`
	State       syncpkg.DrainState `json:"state"`
	Pending     int                `json:"pending"`
	DeadLetters int                `json:"dead_letters"`
	Clients     int                `json:"clients"`
}

// Handler turns engine events into dashboard messages. Its methods match the
// orchestrator's OnDrain and OnSubmit hooks and the monitor's events. A nil
// Handler ignores every event.
type Handler struct {
	server *Server
	logger *zap.Logger
}

// NewHandler creates an event handler connected to a dashboard server
func NewHandler(server *Server) *Handler {
	return &Handler{
		server: server,
		logger: server.logger,
	}
}

// OnConnectivity handles monitor transitions
func (h *Handler) OnConnectivity(ev connectivity.Event) {
	if h == nil {
		return
	}
	h.publish(MessageTypeConnectivity, ConnectivityData{Online: ev.Online, At: ev.At})
	h.BroadcastStats(h.server.ctx)
}

// OnDrain handles completed drains
func (h *Handler) OnDrain(report syncpkg.Report) {
	if h == nil {
		return
	}
	h.publish(MessageTypeDrainComplete, report)
	h.BroadcastStats(h.server.ctx)
}

// OnSubmit handles submissions
func (h *Handler) OnSubmit(res syncpkg.SubmitResult) {
	if h == nil {
		return
	}
	h.publish(MessageTypeSubmit, res)
	if res.Status == syncpkg.StatusDeferred {
		h.BroadcastStats(h.server.ctx)
	}
}

// BroadcastStats sends the current queue statistics to all clients
func (h *Handler) BroadcastStats(ctx context.Context) {
	if h == nil {
		return
	}
	msg, err := h.server.statsMessage(ctx)
	if err != nil {
		h.logger.Warn("failed to read stats", zap.Error(err))
		return
	}
	h.server.Broadcast(msg)
}

func (h *Handler) publish(typ MessageType, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal message data", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// Stats returns the current statistics
func (s *Server) Stats(ctx context.Context) (StatsData, error) {
	st, err := s.engine.Status(ctx)
	if err != nil {
		return StatsData{}, err
	}
	return StatsData{
		Online:      st.Online,
		State:       st.State,
		Pending:     st.Pending,
		DeadLetters: st.DeadLetters,
		Clients:     s.ClientCount(),
	}, nil
}

func (s *Server) statsMessage(ctx context.Context) (Message, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return Message{}, err
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data}, nil
}
