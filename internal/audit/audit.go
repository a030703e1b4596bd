// Copyright (C) 2024 right-sizer contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package audit records every scaling decision (and the admission
// checks behind it) to a durable, rotated JSON-lines log, independent
// of the structured application log.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"marathon-autoscaler/internal/logger"
)

// Event represents a single audit event.
type Event struct {
	Timestamp   time.Time              `json:"timestamp"`
	EventID     string                 `json:"eventId"`
	EventType   string                 `json:"eventType"`
	Operation   string                 `json:"operation"`
	AppID       string                 `json:"appId"`
	Reason      string                 `json:"reason"`
	Before      interface{}            `json:"before,omitempty"`
	After       interface{}            `json:"after,omitempty"`
	Status      string                 `json:"status"`
	Error       string                 `json:"error,omitempty"`
	Duration    time.Duration          `json:"duration,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Config holds audit logger configuration.
type Config struct {
	LogPath       string
	MaxFileSize   int64
	BufferSize    int
	FlushInterval time.Duration
	EnableFileLog bool
	RetentionDays int
}

// DefaultConfig returns default audit logger configuration.
func DefaultConfig() Config {
	return Config{
		LogPath:       "/var/log/marathon-autoscaler/audit.log",
		MaxFileSize:   100 * 1024 * 1024,
		BufferSize:    256,
		FlushInterval: 5 * time.Second,
		EnableFileLog: true,
		RetentionDays: 30,
	}
}

// Logger records scaling decisions to an append-only JSON-lines file,
// rotated once it reaches MaxFileSize, via a buffered background
// writer, so a slow disk never stalls the tick loop.
type Logger struct {
	config         Config
	logFile        *os.File
	logChannel     chan Event
	stopChannel    chan struct{}
	wg             sync.WaitGroup
	mutex          sync.Mutex
	eventIDCounter uint64
}

// NewLogger creates a Logger and starts its background writer.
func NewLogger(cfg Config) (*Logger, error) {
	al := &Logger{
		config:      cfg,
		logChannel:  make(chan Event, cfg.BufferSize),
		stopChannel: make(chan struct{}),
	}

	if cfg.EnableFileLog {
		logDir := filepath.Dir(cfg.LogPath)
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}

		logFile, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		al.logFile = logFile
	}

	al.wg.Add(1)
	go al.run()

	logger.Info("audit logger initialized (file logging: %v, path: %s)", cfg.EnableFileLog, cfg.LogPath)
	return al, nil
}

// Close flushes any pending events and closes the log file.
func (al *Logger) Close() error {
	close(al.stopChannel)
	al.wg.Wait()

	if al.logFile != nil {
		return al.logFile.Close()
	}
	return nil
}

// LogScaleUp records a scale-up directive; a non-nil err records it
// with status "failure".
func (al *Logger) LogScaleUp(appID, dimension string, before, after interface{}, reason string, err error) {
	al.record("ScaleUp", dimension, appID, reason, before, after, err)
}

// LogScaleDown records a scale-down directive; a non-nil err records it
// with status "failure".
func (al *Logger) LogScaleDown(appID, dimension string, before, after interface{}, reason string, err error) {
	al.record("ScaleDown", dimension, appID, reason, before, after, err)
}

// LogAdmissionRejected records a scale-up blocked by a cluster
// admission check, with the free-resource figures that caused it.
func (al *Logger) LogAdmissionRejected(appID, reason string, metadata map[string]interface{}) {
	event := Event{
		Timestamp: time.Now(),
		EventID:   al.nextEventID(),
		EventType: "AdmissionRejected",
		Operation: "admission_check",
		AppID:     appID,
		Reason:    reason,
		Status:    "rejected",
		Metadata:  metadata,
	}
	al.enqueue(event)
}

func (al *Logger) record(eventType, operation, appID, reason string, before, after interface{}, err error) {
	status := "success"
	var errStr string
	if err != nil {
		status = "failure"
		errStr = err.Error()
	}

	event := Event{
		Timestamp: time.Now(),
		EventID:   al.nextEventID(),
		EventType: eventType,
		Operation: operation,
		AppID:     appID,
		Reason:    reason,
		Before:    before,
		After:     after,
		Status:    status,
		Error:     errStr,
	}
	al.enqueue(event)
}

func (al *Logger) enqueue(event Event) {
	select {
	case al.logChannel <- event:
	default:
		logger.Warn("audit log channel is full, dropping event %s", event.EventID)
	}
}

func (al *Logger) run() {
	defer al.wg.Done()

	ticker := time.NewTicker(al.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-al.logChannel:
			al.writeToFile(event)
			al.checkRotation()

		case <-ticker.C:
			if al.logFile != nil {
				al.logFile.Sync()
			}

		case <-al.stopChannel:
			for {
				select {
				case event := <-al.logChannel:
					al.writeToFile(event)
				default:
					if al.logFile != nil {
						al.logFile.Sync()
					}
					return
				}
			}
		}
	}
}

func (al *Logger) writeToFile(event Event) {
	if al.logFile == nil {
		return
	}

	al.mutex.Lock()
	defer al.mutex.Unlock()

	line, err := json.Marshal(event)
	if err != nil {
		logger.Error("failed to marshal audit event: %v", err)
		return
	}
	if _, err := al.logFile.Write(append(line, '\n')); err != nil {
		logger.Error("failed to write audit event to file: %v", err)
	}
}

func (al *Logger) checkRotation() {
	if al.logFile == nil {
		return
	}

	stat, err := al.logFile.Stat()
	if err != nil || stat.Size() < al.config.MaxFileSize {
		return
	}
	al.rotate()
}

func (al *Logger) rotate() {
	al.mutex.Lock()
	defer al.mutex.Unlock()

	al.logFile.Close()

	timestamp := time.Now().Format("20060102-150405")
	rotatedPath := fmt.Sprintf("%s.%s", al.config.LogPath, timestamp)
	if err := os.Rename(al.config.LogPath, rotatedPath); err != nil {
		logger.Warn("failed to rotate audit log: %v", err)
	}

	logFile, err := os.OpenFile(al.config.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger.Error("failed to create new audit log file: %v", err)
		return
	}
	al.logFile = logFile
	logger.Info("rotated audit log to %s", rotatedPath)

	al.cleanupOldLogs()
}

func (al *Logger) cleanupOldLogs() {
	logDir := filepath.Dir(al.config.LogPath)
	logBase := filepath.Base(al.config.LogPath)

	files, err := filepath.Glob(filepath.Join(logDir, logBase+".*"))
	if err != nil {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -al.config.RetentionDays)
	for _, file := range files {
		stat, err := os.Stat(file)
		if err != nil {
			continue
		}
		if stat.ModTime().Before(cutoff) {
			if err := os.Remove(file); err != nil {
				logger.Warn("failed to remove old audit log %s: %v", file, err)
			}
		}
	}
}

func (al *Logger) nextEventID() string {
	al.mutex.Lock()
	defer al.mutex.Unlock()

	al.eventIDCounter++
	return fmt.Sprintf("audit-%d-%d", time.Now().Unix(), al.eventIDCounter)
}
