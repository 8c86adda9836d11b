package priceapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval   = 30 * time.Second
	pongTimeout    = 10 * time.Second
	statusLogEvery = 120 * time.Second
	maxCacheAge    = 60 * time.Second
	reconnectMin   = 1 * time.Second
	reconnectMax   = 60 * time.Second
	updateCooldown = 60 * time.Second
)

// UpdateFunc is the cooldown-debounced callback invoked on every cache
// update that is at least updateCooldown after the previous invocation.
type UpdateFunc func(general, feedIn PriceInterval)

// PushHealth mirrors the diagnostics accessor from spec.md §4.1.
type PushHealth struct {
	Status        string
	Connected     bool
	LastUpdate    time.Time
	AgeSeconds    float64
	MessageCount  int64
	ErrorCount    int64
	LastError     string
	HasCachedData bool
}

// PushClient is a persistent bidirectional price stream client with
// auto-reconnect, staleness detection, and a cooldown-debounced callback,
// grounded on the original AmberWebSocketClient.
type PushClient struct {
	url      string
	token    string
	siteID   string
	onUpdate UpdateFunc
	logger   *log.Logger

	mu            sync.RWMutex
	cachedGeneral *PriceInterval
	cachedFeedIn  *PriceInterval
	lastUpdate    time.Time
	staleWarned   bool

	statusMu      sync.RWMutex
	connected     bool
	messageCount  int64
	errorCount    int64
	lastError     string

	lastTrigger time.Time
	triggerMu   sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewPushClient builds a client that connects to url (typically
// "wss://<host>/"), subscribing siteID with bearer token auth.
func NewPushClient(url, token, siteID string, onUpdate UpdateFunc, logger *log.Logger) *PushClient {
	if logger == nil {
		logger = log.Default()
	}
	return &PushClient{
		url:      url,
		token:    token,
		siteID:   siteID,
		onUpdate: onUpdate,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

type subscribeFrame struct {
	Service string      `json:"service"`
	Action  string      `json:"action"`
	Data    subscribeID `json:"data"`
}

type subscribeID struct {
	SiteID string `json:"siteId"`
}

type inboundFrame struct {
	Action string          `json:"action"`
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
}

type priceUpdateData struct {
	SiteID string           `json:"siteId"`
	Prices []wirePriceEntry `json:"prices"`
}

type wirePriceEntry struct {
	ChannelType   string         `json:"channelType"`
	Type          string         `json:"type"`
	PerKwh        float64        `json:"perKwh"`
	Duration      int            `json:"duration"`
	NemTime       string         `json:"nemTime"`
	AdvancedPrice *AdvancedPrice `json:"advancedPrice,omitempty"`
}

// Run connects and services the socket until ctx is cancelled or Stop is
// called, reconnecting with exponential backoff between sessions. It
// never returns an error to the caller: all network failures degrade to
// "no cached data," matching spec.md §4.1's failure semantics.
func (c *PushClient) Run(ctx context.Context) {
	defer close(c.doneCh)
	backoff := reconnectMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		clean, err := c.connectAndListen(ctx)
		if err != nil {
			c.recordError(err)
			c.logger.Printf("priceapi: push connection error: %v", err)
		}
		if clean {
			c.logger.Printf("priceapi: push connection closed cleanly")
			backoff = reconnectMin
		}
		c.setConnected(false)

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}
		if !clean {
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
		} else {
			backoff = reconnectMin
		}
	}
}

// Stop terminates the client's run loop and waits for it to exit.
func (c *PushClient) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

func (c *PushClient) connectAndListen(ctx context.Context) (clean bool, err error) {
	header := http.Header{}
	header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, header)
	if err != nil {
		return false, fmt.Errorf("priceapi: dial: %w", err)
	}
	defer conn.Close()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	})

	sub := subscribeFrame{Service: "live-prices", Action: "subscribe", Data: subscribeID{SiteID: c.siteID}}
	if err := conn.WriteJSON(sub); err != nil {
		return false, fmt.Errorf("priceapi: subscribe: %w", err)
	}

	pingStop := make(chan struct{})
	defer close(pingStop)
	go c.pingLoop(conn, pingStop)

	c.setConnected(true)
	lastStatusLog := time.Now()

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case <-c.stopCh:
			return true, nil
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, nil
			}
			return false, fmt.Errorf("priceapi: read: %w", err)
		}

		c.incMessageCount()
		c.handleMessage(raw)

		if time.Since(lastStatusLog) > statusLogEvery {
			c.logger.Printf("priceapi: push alive, messages=%d", c.messageCountSnapshot())
			lastStatusLog = time.Now()
		}
	}
}

func (c *PushClient) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongTimeout))
		}
	}
}

func (c *PushClient) handleMessage(raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.recordError(fmt.Errorf("priceapi: parse frame: %w", err))
		return
	}

	switch frame.Action {
	case "subscribe":
		if frame.Status == 200 {
			c.logger.Printf("priceapi: subscribe acknowledged")
		} else {
			c.recordError(fmt.Errorf("priceapi: subscribe rejected, status=%d", frame.Status))
		}
	case "price-update":
		var data priceUpdateData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			c.recordError(fmt.Errorf("priceapi: parse price-update: %w", err))
			return
		}
		if data.SiteID != "" && data.SiteID != c.siteID {
			return
		}
		c.applyUpdate(data.Prices)
	}
}

func (c *PushClient) applyUpdate(entries []wirePriceEntry) {
	var general, feedIn *PriceInterval
	for _, e := range entries {
		nemTime, err := time.Parse(time.RFC3339, e.NemTime)
		if err != nil {
			nemTime = time.Now()
		}
		iv := PriceInterval{
			NemTime:       nemTime,
			Duration:      time.Duration(e.Duration) * time.Minute,
			ChannelType:   ChannelType(e.ChannelType),
			Kind:          IntervalKind(e.Type),
			PerKwh:        e.PerKwh,
			AdvancedPrice: e.AdvancedPrice,
		}.NormalizeSign()
		switch iv.ChannelType {
		case ChannelGeneral:
			general = &iv
		case ChannelFeedIn:
			feedIn = &iv
		}
	}
	if general == nil && feedIn == nil {
		return
	}

	c.mu.Lock()
	if general != nil {
		c.cachedGeneral = general
	}
	if feedIn != nil {
		c.cachedFeedIn = feedIn
	}
	c.lastUpdate = time.Now()
	c.staleWarned = false
	g, f := c.cachedGeneral, c.cachedFeedIn
	c.mu.Unlock()

	c.logger.Printf("priceapi: price update general=%+v feedIn=%+v", general, feedIn)

	if c.onUpdate != nil && c.shouldTrigger() {
		var gv, fv PriceInterval
		if g != nil {
			gv = *g
		}
		if f != nil {
			fv = *f
		}
		go c.onUpdate(gv, fv)
	}
}

func (c *PushClient) shouldTrigger() bool {
	c.triggerMu.Lock()
	defer c.triggerMu.Unlock()
	now := time.Now()
	if now.Sub(c.lastTrigger) < updateCooldown {
		return false
	}
	c.lastTrigger = now
	return true
}

// GetLatestPrices returns the cached pair if it is no older than maxAge,
// or ok=false if the cache is empty or stale.
func (c *PushClient) GetLatestPrices(maxAge time.Duration) (general, feedIn PriceInterval, ok bool) {
	if maxAge <= 0 {
		maxAge = maxCacheAge
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cachedGeneral == nil && c.cachedFeedIn == nil {
		return PriceInterval{}, PriceInterval{}, false
	}
	if time.Since(c.lastUpdate) > maxAge {
		return PriceInterval{}, PriceInterval{}, false
	}
	var g, f PriceInterval
	if c.cachedGeneral != nil {
		g = *c.cachedGeneral
	}
	if c.cachedFeedIn != nil {
		f = *c.cachedFeedIn
	}
	return g, f, true
}

func (c *PushClient) setConnected(v bool) {
	c.statusMu.Lock()
	c.connected = v
	c.statusMu.Unlock()
}

func (c *PushClient) incMessageCount() {
	c.statusMu.Lock()
	c.messageCount++
	c.statusMu.Unlock()
}

func (c *PushClient) messageCountSnapshot() int64 {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.messageCount
}

func (c *PushClient) recordError(err error) {
	c.statusMu.Lock()
	c.errorCount++
	c.lastError = err.Error()
	c.statusMu.Unlock()
}

// Health returns the diagnostics snapshot described in spec.md §4.1.
func (c *PushClient) Health() PushHealth {
	c.statusMu.RLock()
	connected := c.connected
	messages := c.messageCount
	errs := c.errorCount
	lastErr := c.lastError
	c.statusMu.RUnlock()

	c.mu.RLock()
	lastUpdate := c.lastUpdate
	hasCached := c.cachedGeneral != nil || c.cachedFeedIn != nil
	c.mu.RUnlock()

	status := "disconnected"
	if connected {
		status = "connected"
	}
	age := 0.0
	if !lastUpdate.IsZero() {
		age = time.Since(lastUpdate).Seconds()
	}
	return PushHealth{
		Status:        status,
		Connected:     connected,
		LastUpdate:    lastUpdate,
		AgeSeconds:    age,
		MessageCount:  messages,
		ErrorCount:    errs,
		LastError:     lastErr,
		HasCachedData: hasCached,
	}
}
