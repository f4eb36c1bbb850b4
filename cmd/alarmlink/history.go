package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/alarmlink"
)

// historyFile appends one JSON record per line.
type historyFile struct {
	mu   sync.Mutex
	path string
}

type historyLine struct {
	At        time.Time `json:"at"`
	Category  string    `json:"category"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	ImagePath string    `json:"image_path,omitempty"`
}

func (h *historyFile) Record(r alarmlink.HistoryRecord) error {
	b, err := json.Marshal(historyLine(r))
	if err != nil {
		return fmt.Errorf("could not encode history record: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("could not open history: %w", err)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("could not write history: %w", err)
	}
	return f.Close()
}

// detectionsDir stores detection snapshots as det_YYYYMMDD_HHMMSS.jpg.
type detectionsDir string

func (d detectionsDir) SaveImage(at time.Time, jpeg []byte) (string, error) {
	if err := os.MkdirAll(string(d), 0o755); err != nil {
		return "", fmt.Errorf("could not create detections dir: %w", err)
	}
	path := filepath.Join(string(d), "det_"+at.Format("20060102_150405")+".jpg")
	if err := os.WriteFile(path, jpeg, 0o644); err != nil {
		return "", fmt.Errorf("could not save detection: %w", err)
	}
	return filepath.Abs(path)
}

type logNotifier struct{}

func (logNotifier) Alarm(message string) { log.Warn("ALARM", "message", message) }
func (logNotifier) ClearAlarm()          { log.Info("alarm notification cleared") }

// logComposer is the last resort when no SMS can be transmitted: the
// operator has to send it by hand.
type logComposer struct{}

func (logComposer) Compose(dest, text string) error {
	log.Warn("send this sms manually", "to", dest, "text", text)
	return nil
}
