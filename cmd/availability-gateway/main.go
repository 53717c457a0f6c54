// cmd/availability-gateway/main.go
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"turnstile/internal/pkg/bootstrap"
	"turnstile/internal/pkg/logger"
	"turnstile/internal/pkg/mq"
	"turnstile/internal/service/reservation/domain"
)

const (
	serviceName = "availability-gateway"
	servicePort = 8084
)

var (
	nodeID   = "availability-gateway-" + uuid.New().String()[:8]
	upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// 网关对外只推送公开的余票数据，放开跨域
		CheckOrigin: func(r *http.Request) bool { return true },
	}
)

// availabilityUpdate 是推送给订阅方的余票快照。
type availabilityUpdate struct {
	TicketTypeID string    `json:"ticket_type_id"`
	Available    int       `json:"available"`
	Cause        string    `json:"cause"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Client 是一条活跃的 websocket 连接及其订阅的票种集合。
// 订阅集合为空表示订阅全部票种。
type Client struct {
	conn       *websocket.Conn
	send       chan []byte
	subscribed map[string]struct{}
}

func (c *Client) wants(ticketTypeID string) bool {
	if len(c.subscribed) == 0 {
		return true
	}
	_, ok := c.subscribed[ticketTypeID]
	return ok
}

// Hub 维护所有活跃的连接，并负责按订阅广播。
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			logger.L().Info().Str("node", nodeID).Int("clients", h.count()).Msg("client subscribed")
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast 把更新投给所有订阅了该票种的连接。写不进去的连接
// 说明消费太慢，直接丢弃这条更新，不拖慢其他人。
func (h *Hub) broadcast(update availabilityUpdate) {
	payload, err := json.Marshal(update)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.wants(update.TicketTypeID) {
			continue
		}
		select {
		case client.send <- payload:
		default:
		}
	}
}

func serveWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L().Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	subscribed := make(map[string]struct{})
	if raw := r.URL.Query().Get("ticket_type_ids"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id != "" {
				subscribed[id] = struct{}{}
			}
		}
	}

	client := &Client{conn: conn, send: make(chan []byte, 16), subscribed: subscribed}
	hub.register <- client

	go func() {
		defer conn.Close()
		for payload := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				break
			}
		}
	}()
	go func() {
		defer func() { hub.unregister <- client }()
		for {
			// 只读来探测连接断开，网关不接受上行消息
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// consumeHoldEvents 消费 Hold 生命周期事件流，把每条事件转成
// 余票更新广播出去。
func consumeHoldEvents(ctx context.Context, reader *kafka.Reader, hub *Hub) {
	logger.L().Info().Str("topic", reader.Config().Topic).Msg("consuming hold events")
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.L().Info().Msg("hold event consumer shutting down")
				return
			}
			logger.L().Warn().Err(err).Msg("failed to fetch hold event, retrying")
			time.Sleep(time.Second)
			continue
		}

		var event domain.HoldEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			logger.L().Warn().Err(err).Msg("dropping malformed hold event")
		} else {
			hub.broadcast(availabilityUpdate{
				TicketTypeID: event.TicketTypeID,
				Available:    event.Available,
				Cause:        string(event.Type),
				OccurredAt:   event.OccurredAt,
			})
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.L().Warn().Err(err).Msg("failed to commit offset")
		}
	}
}

func main() {
	logger.Init(serviceName)
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()

	if len(cfg.Infra.Kafka.Brokers) == 0 {
		logger.L().Fatal().Msg("availability gateway requires kafka brokers")
	}
	reader := mq.NewKafkaReader(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.HoldEventsTopic, serviceName+"-group")
	defer reader.Close()

	hub := newHub()

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        servicePort,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
			appCtx.Mux.Handle("/metrics", promhttp.Handler())
			appCtx.Mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
				serveWs(hub, w, r)
			})
		},
		Background: func(ctx context.Context) {
			go hub.run(ctx)
			consumeHoldEvents(ctx, reader, hub)
		},
	})
}
