package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/notevault/notevault/internal/logging"
	"github.com/notevault/notevault/pkg/protocol"
)

// Subscribe connects to the event stream and delivers invalidation events until ctx is
// done, reconnecting with backoff. The channel is closed when the loop exits.
func (c *Client) Subscribe(ctx context.Context) <-chan protocol.SSEEvent {
	events := make(chan protocol.SSEEvent, 100)
	go c.subscribeLoop(ctx, events)
	return events
}

func (c *Client) subscribeLoop(ctx context.Context, events chan<- protocol.SSEEvent) {
	defer close(events)

	const reconnectMin, reconnectMax = time.Second, 30 * time.Second
	reconnectDelay := reconnectMin

	for {
		if ctx.Err() != nil {
			return
		}

		connected, err := c.connect(ctx, events)
		if ctx.Err() != nil {
			return
		}
		if connected {
			reconnectDelay = reconnectMin
		}
		logging.Warn("event stream disconnected",
			zap.Error(err),
			zap.Duration("retry_in", reconnectDelay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}

		reconnectDelay *= 2
		if reconnectDelay > reconnectMax {
			reconnectDelay = reconnectMax
		}
	}
}

// connect reads one stream until it ends. connected reports whether the server accepted
// the subscription.
func (c *Client) connect(ctx context.Context, events chan<- protocol.SSEEvent) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/events", nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	// The shared client's timeout would cut the stream.
	stream := &http.Client{Transport: c.httpClient.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	logging.Debug("event stream connected", zap.String("url", c.baseURL))

	scanner := bufio.NewScanner(resp.Body)
	var eventType, data string
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data != "" {
				var ev protocol.SSEEvent
				if err := json.Unmarshal([]byte(data), &ev); err == nil {
					if ev.Type == "" {
						ev.Type = eventType
					}
					select {
					case events <- ev:
					case <-ctx.Done():
						return true, ctx.Err()
					default:
						logging.Debug("event dropped (channel full)", zap.String("tag", ev.Tag))
					}
				}
			}
			eventType, data = "", ""
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil {
		return true, fmt.Errorf("read: %w", err)
	}
	return true, fmt.Errorf("connection closed")
}
