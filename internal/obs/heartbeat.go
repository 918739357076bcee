package obs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// DefaultHeartbeatPath is where the marker lives unless configured otherwise.
const DefaultHeartbeatPath = "/var/lib/trading-agent/heartbeat"

// Heartbeat writes a liveness marker holding an RFC3339 timestamp.
type Heartbeat struct {
	path string
	now  func() time.Time
}

// NewHeartbeat creates a heartbeat writing to path.
func NewHeartbeat(path string) *Heartbeat {
	if path == "" {
		path = DefaultHeartbeatPath
	}
	return &Heartbeat{path: path, now: time.Now}
}

// Path returns the marker location.
func (h *Heartbeat) Path() string {
	return h.path
}

// Beat replaces the marker atomically and returns the written time.
func (h *Heartbeat) Beat() (time.Time, error) {
	now := h.now().UTC()
	dir := filepath.Dir(h.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return now, errors.Wrap(err, "create heartbeat dir").With("dir", dir)
	}
	tmp, err := os.CreateTemp(dir, ".heartbeat-*")
	if err != nil {
		return now, errors.Wrap(err, "create heartbeat temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(now.Format(time.RFC3339) + "\n"); err != nil {
		_ = tmp.Close()
		return now, errors.Wrap(err, "write heartbeat")
	}
	if err := tmp.Close(); err != nil {
		return now, errors.Wrap(err, "close heartbeat")
	}
	if err := os.Rename(tmp.Name(), h.path); err != nil {
		return now, errors.Wrap(err, "rename heartbeat").With("path", h.path)
	}
	return now, nil
}

// Last reads the time of the last beat.
func (h *Heartbeat) Last() (time.Time, error) {
	data, err := os.ReadFile(h.path)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, errors.Wrap(err, "parse heartbeat").With("path", h.path)
	}
	return t, nil
}

// Run beats every interval until ctx is done. onBeat, when set, is called
// after each successful write.
func (h *Heartbeat) Run(ctx context.Context, interval time.Duration, onBeat func(time.Time)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t, err := h.Beat()
			if err != nil {
				logs.Errorf("heartbeat: write failed, err: %+v", err)
				continue
			}
			if onBeat != nil {
				onBeat(t)
			}
		}
	}
}
