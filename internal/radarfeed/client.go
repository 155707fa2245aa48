package radarfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/curbz/skyguard/internal/log"
	"github.com/curbz/skyguard/pkg/apimodel"
)

// FetchTraffic gets the current traffic picture from a feed at baseURL,
// e.g. "http://127.0.0.1:8086".
func FetchTraffic(ctx context.Context, baseURL string) (apimodel.Traffic, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/api/v1/traffic", nil)
	if err != nil {
		return apimodel.Traffic{}, fmt.Errorf("error creating HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return apimodel.Traffic{}, fmt.Errorf("error performing HTTP GET to %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		var e apimodel.ErrorPayload
		if json.Unmarshal(body, &e) == nil && e.Message != "" {
			return apimodel.Traffic{}, fmt.Errorf("radar feed returned %d: %s", resp.StatusCode, e.Message)
		}
		return apimodel.Traffic{}, fmt.Errorf("received status %d from radar feed: %s", resp.StatusCode, string(body))
	}

	var t apimodel.Traffic
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return apimodel.Traffic{}, fmt.Errorf("error decoding traffic: %w", err)
	}
	return t, nil
}

// Watch streams alert events from the feed at baseURL to fn until the feed
// closes or ctx is done. A feed that closes normally returns nil.
func Watch(ctx context.Context, baseURL string, lg *log.Logger, fn func(apimodel.Event)) error {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/api/v1/feed")
	if err != nil {
		return fmt.Errorf("error parsing feed URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("could not connect to radar feed at %s: %w", u, err)
	}
	defer conn.Close()
	lg.Info("radar feed connected", slog.String("url", u.String()))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				lg.Info("radar feed closed")
				return nil
			}
			return fmt.Errorf("radar feed read: %w", err)
		}
		var ev apimodel.Event
		if err := json.Unmarshal(message, &ev); err != nil {
			lg.Warn("radar feed: invalid event", slog.Any("error", err), slog.String("raw", string(message)))
			continue
		}
		fn(ev)
	}
}
