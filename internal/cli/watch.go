package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/KafPanel/internal/gateway"
	"github.com/KafClaw/KafPanel/internal/stream"
)

var (
	watchServer  string
	watchToken   string
	watchTenant  string
	watchAfter   int64
	watchJSON    bool
	watchRetries int
)

var panelWatchCmd = &cobra.Command{
	Use:   "watch <id>",
	Short: "Follow a panel's live event stream from a running gateway",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), serveSignals...)
		defer stop()
		token := watchToken
		if token == "" {
			token = os.Getenv("KAFPANEL_GATEWAY_AUTH_TOKEN")
		}
		w := &watcher{
			client:  &http.Client{},
			base:    strings.TrimRight(watchServer, "/"),
			token:   token,
			tenant:  watchTenant,
			retries: watchRetries,
			backoff: 500 * time.Millisecond,
			emit:    eventPrinter(cmd.OutOrStdout(), watchJSON),
		}
		return w.Watch(ctx, args[0], watchAfter)
	},
}

// statusError is a non-200 answer from the gateway.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Code, e.Body)
}

// watcher follows a panel's SSE stream, reconnecting with Last-Event-ID
// until the terminal event or the gateway's end frame arrives.
type watcher struct {
	client  *http.Client
	base    string
	token   string
	tenant  string
	retries int
	backoff time.Duration
	emit    func(stream.Event) error
}

var errStreamCut = errors.New("event stream ended before the panel finished")

// Watch prints every event after the cursor and returns once the panel
// reaches a terminal state.
func (w *watcher) Watch(ctx context.Context, id string, after int64) error {
	cursor := after
	delay := w.backoff
	failures := 0
	for {
		before := cursor
		done, err := w.once(ctx, id, &cursor)
		if done {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var se *statusError
		if errors.As(err, &se) && se.Code < http.StatusInternalServerError {
			return err
		}
		if cursor > before {
			failures = 0
			delay = w.backoff
		}
		failures++
		if failures > w.retries {
			return fmt.Errorf("watch %s: giving up after %d attempts: %w", id, failures, err)
		}
		slog.Warn("Event stream interrupted, reconnecting", "panel_id", id, "after", cursor, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if delay < 10*time.Second {
			delay *= 2
		}
	}
}

func (w *watcher) once(ctx context.Context, id string, cursor *int64) (bool, error) {
	endpoint := fmt.Sprintf("%s/api/v1/panels/%s/events", w.base, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if *cursor > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(*cursor, 10))
	}
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	if w.tenant != "" {
		req.Header.Set(gateway.TenantHeader, w.tenant)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	reader := stream.NewSSEReader(resp.Body)
	for {
		frame, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return false, errStreamCut
		}
		if err != nil {
			return false, err
		}
		if frame.End() {
			return true, nil
		}
		e, err := frame.Decode()
		if err != nil {
			return false, err
		}
		if e.Sequence <= *cursor {
			continue
		}
		*cursor = e.Sequence
		if err := w.emit(e); err != nil {
			return false, err
		}
		if e.Terminal() {
			return true, nil
		}
	}
}

func init() {
	panelWatchCmd.Flags().StringVar(&watchServer, "server", "http://127.0.0.1:18890", "Gateway base URL")
	panelWatchCmd.Flags().StringVar(&watchToken, "token", "", "Gateway bearer token (default $KAFPANEL_GATEWAY_AUTH_TOKEN)")
	panelWatchCmd.Flags().StringVar(&watchTenant, "tenant", "", "Tenant id sent as X-Tenant-ID")
	panelWatchCmd.Flags().Int64Var(&watchAfter, "after", 0, "Resume after this sequence")
	panelWatchCmd.Flags().BoolVar(&watchJSON, "json", false, "Print events as JSON frames, one per line")
	panelWatchCmd.Flags().IntVar(&watchRetries, "retries", 5, "Reconnect attempts without progress before giving up")
}
