package main

import (
	"bytes"
	"context"
	"encoding/json"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"centralmed/flow-service/internal/config"
	"centralmed/flow-service/internal/httpapi"
	"centralmed/flow-service/internal/hub"
	"centralmed/flow-service/internal/models"
	"centralmed/flow-service/internal/panel"
	"centralmed/flow-service/internal/queue"
	"centralmed/flow-service/internal/stock"
	"centralmed/flow-service/internal/telemetry"
	"centralmed/flow-service/internal/upstream"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type eventEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup("flow-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	if cfg.UpstreamBaseURL == "" {
		log.Fatal("UPSTREAM_BASE_URL is required")
	}
	api := upstream.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamTimeout)

	location := time.UTC
	if cfg.StockTimezone != "" {
		loc, err := time.LoadLocation(cfg.StockTimezone)
		if err != nil {
			log.Printf("bad STOCK_TIMEZONE %q, using UTC: %v", cfg.StockTimezone, err)
		} else {
			location = loc
		}
	}

	h := hub.New()
	orchestrator := queue.NewOrchestrator(api)
	engine := stock.NewEngine(stock.Options{Location: location, NearWindowDays: cfg.NearExpiryWindowDays})
	watcher := stock.NewWatcher(api, engine)
	notifier := panel.NewNotifier(api, panel.Options{
		HistorySize: cfg.PanelHistorySize,
		Chime: panel.ChimeFunc(func() error {
			broadcast(h, hub.TopicPanel, "panel.chime", struct{}{})
			return nil
		}),
		Broadcast: func(ticket models.CalledTicket) {
			broadcast(h, hub.TopicPanel, "panel.called", ticket)
		},
	})

	pollCtx, stopPolls := context.WithCancel(context.Background())
	defer stopPolls()
	go orchestrator.RunTriagePoll(pollCtx, cfg.TriagePollInterval)
	go orchestrator.RunDoctorPoll(pollCtx, cfg.DoctorPollInterval)
	go watcher.Run(pollCtx, cfg.StockPollInterval)
	go notifier.Run(pollCtx, cfg.PanelPollInterval)
	go broadcastOnChange(pollCtx, h, hub.TopicQueue, "queue.updated", cfg.TriagePollInterval, func() interface{} {
		return orchestrator.MergedQueue()
	})
	go broadcastOnChange(pollCtx, h, hub.TopicStock, "stock.updated", cfg.StockPollInterval, func() interface{} {
		return watcher.Report(time.Now())
	})

	handler := httpapi.NewHandler(orchestrator, watcher, notifier)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateTopics(client, nil)
				continue
			}
			h.UpdateTopics(client, parsed.Topics)
		}
	}))
	mux.Handle("/", handler.Routes())

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "flow-service")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("flow-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	stopPolls()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func broadcast(h *hub.Hub, topic, eventType string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("broadcast marshal error type=%s: %v", eventType, err)
		return
	}
	envelope, err := json.Marshal(eventEnvelope{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	if err != nil {
		log.Printf("broadcast marshal error type=%s: %v", eventType, err)
		return
	}
	h.Broadcast(topic, envelope)
}

// broadcastOnChange pushes a derived view to subscribed displays when it
// actually changed, so screens follow the poll cadence without re-rendering
// identical snapshots.
func broadcastOnChange(ctx context.Context, h *hub.Hub, topic, eventType string, interval time.Duration, snapshot func() interface{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last []byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			raw, err := json.Marshal(snapshot())
			if err != nil {
				log.Printf("%s snapshot marshal error: %v", topic, err)
				continue
			}
			if bytes.Equal(raw, last) {
				continue
			}
			last = raw
			broadcast(h, topic, eventType, json.RawMessage(raw))
		}
	}
}
