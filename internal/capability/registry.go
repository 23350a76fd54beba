package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "ctrl.node.announce"
	SubjectHeartbeatPrefix = "ctrl.node.heartbeat"

	RoleSTT = "stt"
)

// Recognizer describes what a node can transcribe.
type Recognizer struct {
	Engine     string   `json:"engine"`
	Model      string   `json:"model"`
	SampleRate float64  `json:"sample_rate"`
	Grammar    []string `json:"grammar,omitempty"`
	Speaker    bool     `json:"speaker"`
}

type NodeInfo struct {
	ID         string     `json:"id"`
	Role       string     `json:"role"`
	Recognizer Recognizer `json:"recognizer"`
	LastSeen   time.Time  `json:"last_seen"`
	Healthy    bool       `json:"healthy"`
}

type announceMessage struct {
	NodeID     string    `json:"node_id"`
	Role       string    `json:"role"`
	Engine     string    `json:"engine"`
	Model      string    `json:"model"`
	SampleRate float64   `json:"sample_rate"`
	Grammar    []string  `json:"grammar,omitempty"`
	Speaker    bool      `json:"speaker"`
	Timestamp  time.Time `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry announces this node and tracks peers seen on the bus.
type Registry struct {
	cfg       config.NodeConfig
	local     Recognizer
	log       *slog.Logger
	bus       *bus.Client
	mu        sync.RWMutex
	nodes     map[string]*NodeInfo
	heartbeat *time.Ticker
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	meter     metric.Meter
	reg       metric.Registration
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, local Recognizer, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		local:  local,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		nodes:  make(map[string]*NodeInfo),
		meter:  otel.Meter("github.com/loqalabs/loqa-stt/capability"),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.heartbeat = time.NewTicker(time.Duration(cfg.HeartbeatInterval) * time.Millisecond)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	if r.reg != nil {
		_ = r.reg.Unregister()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(SubjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	interval := time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond
	if interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth(time.Now())
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:     r.cfg.ID,
		Role:       RoleSTT,
		Engine:     r.local.Engine,
		Model:      r.local.Model,
		SampleRate: r.local.SampleRate,
		Grammar:    r.local.Grammar,
		Speaker:    r.local.Speaker,
		Timestamp:  time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(SubjectAnnounce, payload); err != nil {
		return err
	}
	r.updateNode(msg, true)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:    r.cfg.ID,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(SubjectHeartbeatPrefix+"."+r.cfg.ID, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.NodeID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.updateNode(announcement, true)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateNode(announceMessage{NodeID: hb.NodeID, Timestamp: hb.Timestamp}, true)
}

// updateNode merges msg into the peer table. Heartbeats carry only the id,
// so empty fields keep what the last announce said.
func (r *Registry) updateNode(msg announceMessage, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[msg.NodeID]
	if !ok {
		node = &NodeInfo{ID: msg.NodeID}
		r.nodes[msg.NodeID] = node
	}
	if msg.Role != "" {
		node.Role = msg.Role
		node.Recognizer = Recognizer{
			Engine:     msg.Engine,
			Model:      msg.Model,
			SampleRate: msg.SampleRate,
			Grammar:    msg.Grammar,
			Speaker:    msg.Speaker,
		}
	}
	node.LastSeen = msg.Timestamp
	node.Healthy = healthy
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	if !ok {
		return false
	}
	return node.Healthy
}

func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		info := *node
		if filter == nil || filter(info) {
			results = append(results, info)
		}
	}
	return results
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("loqa.capabilities.nodes", metric.WithDescription("Number of known nodes"))
	if err != nil {
		return err
	}
	healthy, err := r.meter.Int64ObservableGauge("loqa.capabilities.healthy", metric.WithDescription("Number of nodes with a recent heartbeat"))
	if err != nil {
		return err
	}
	r.reg, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		nodes, ok := r.snapshotCounts()
		obs.ObserveInt64(gauge, nodes)
		obs.ObserveInt64(healthy, ok)
		return nil
	}, gauge, healthy)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var nodes, healthy int64
	for _, node := range r.nodes {
		nodes++
		if node.Healthy {
			healthy++
		}
	}
	return nodes, healthy
}

// WithRoleFilter matches nodes announcing role.
func WithRoleFilter(role string) func(NodeInfo) bool {
	return func(node NodeInfo) bool { return node.Role == role }
}

// WithSampleRateFilter matches healthy recognizers accepting rate.
func WithSampleRateFilter(rate float64) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		return node.Healthy && node.Role == RoleSTT && node.Recognizer.SampleRate == rate
	}
}
