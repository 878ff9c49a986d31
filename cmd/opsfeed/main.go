// Command opsfeed tails the operations live channel in a terminal.
// Send SIGUSR1 to pause or resume rendering.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/pickup-ops/internal/dispatch"
	"github.com/example/pickup-ops/internal/feed"
	"github.com/example/pickup-ops/internal/logging"
	"github.com/example/pickup-ops/internal/models"
)

func main() {
	var (
		server   string
		origin   string
		userID   string
		window   int
		logLevel string
	)
	flag.StringVar(&server, "server", "http://localhost:8080", "operations API base URL")
	flag.StringVar(&origin, "origin", os.Getenv("LIVE_CHANNEL_ORIGIN"), "Origin header sent on the live channel")
	flag.StringVar(&userID, "user", "", "X-User-ID sent with history requests")
	flag.IntVar(&window, "window", 50, "events kept and fetched on reconnect")
	flag.StringVar(&logLevel, "log-level", "warn", "log level")
	flag.Parse()

	logger := logging.NewLogger(logLevel, "opsfeed")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	f := feed.New(window, printEvent)
	toggles := make(chan os.Signal, 1)
	signal.Notify(toggles, syscall.SIGUSR1)
	go func() {
		for range toggles {
			if f.Toggle() {
				fmt.Fprintln(os.Stderr, "-- paused --")
			} else {
				fmt.Fprintln(os.Stderr, "-- live --")
			}
		}
	}()

	c := &client{base: strings.TrimRight(server, "/"), origin: origin, userID: userID, window: window, feed: f, logger: logger, http: &http.Client{Timeout: 10 * time.Second}}
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("live channel lost; reconnecting", "error", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

type client struct {
	base   string
	origin string
	userID string
	window int
	feed   *feed.Feed
	logger *slog.Logger
	http   *http.Client
}

// session connects, reconciles from history, then reads until the
// connection drops. The server replays nothing, so history is fetched after
// the subscription exists to close the gap.
func (c *client) session(ctx context.Context) error {
	wsURL, err := liveURL(c.base)
	if err != nil {
		return err
	}
	header := http.Header{}
	if c.origin != "" {
		header.Set("Origin", c.origin)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	history, err := c.history(ctx)
	if err != nil {
		c.logger.Warn("history fetch failed", "error", err)
	} else if n := c.feed.Reconcile(history); n > 0 {
		c.logger.Info("reconciled missed events", "count", n)
	}

	for {
		var msg dispatch.LiveMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseTryAgainLater {
				return fmt.Errorf("evicted by server: %s", ce.Text)
			}
			return err
		}
		if msg.Type != "activity" {
			continue
		}
		c.feed.Receive(msg.Event)
	}
}

func (c *client) history(ctx context.Context) ([]models.ActivityEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/v1/activity?limit=%d", c.base, c.window), nil)
	if err != nil {
		return nil, err
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("activity query: %s", resp.Status)
	}
	var page struct {
		Events []models.ActivityEvent `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, err
	}
	return page.Events, nil
}

func liveURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/live"
	return u.String(), nil
}

func printEvent(evt models.ActivityEvent, d models.Display) {
	ref := evt.DetailString("pickup_id")
	if ref == "" {
		ref = evt.DetailString("driver_id")
	}
	fmt.Printf("%s  [%s] %-28s %s\n", evt.CreatedAt.Local().Format("15:04:05"), d.Icon, d.Title, ref)
}
