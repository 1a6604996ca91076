package logger

import (
	"encoding/json"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// fileEntry is the JSON shape written to the log file.
type fileEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Message   string                 `json:"message"`
	Component Component              `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// FileLogger implements Tier 2: rotating file logs via lumberjack with
// channel-buffered batch writes.
type FileLogger struct {
	config    *Config
	out       *lumberjack.Logger
	buffer    chan *fileEntry
	closeChan chan struct{}
	wg        sync.WaitGroup
}

// NewFileLogger creates a new file logger
func NewFileLogger(config *Config) (*FileLogger, error) {
	fl := &FileLogger{
		config: config,
		out: &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSizeMB,
			MaxBackups: config.File.MaxBackups,
			MaxAge:     config.File.MaxAgeDays,
			Compress:   config.File.Compress,
		},
		buffer:    make(chan *fileEntry, config.File.BufferSize),
		closeChan: make(chan struct{}),
	}

	fl.wg.Add(1)
	go fl.writeLoop()

	return fl, nil
}

// log queues a log entry for batched writing. Entries are dropped when the
// buffer is full rather than blocking the caller.
func (fl *FileLogger) log(level LogLevel, msg string, component Component, fields map[string]interface{}) {
	entry := &fileEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
		Component: component,
		Fields:    fields,
	}

	select {
	case fl.buffer <- entry:
	default:
	}
}

// writeLoop batches entries and writes them on size or interval
func (fl *FileLogger) writeLoop() {
	defer fl.wg.Done()

	batch := make([]*fileEntry, 0, fl.config.File.BatchSize)
	ticker := time.NewTicker(fl.config.File.BatchInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, entry := range batch {
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			_, _ = fl.out.Write(append(data, '\n'))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-fl.buffer:
			batch = append(batch, entry)
			if len(batch) >= fl.config.File.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-fl.closeChan:
			// Drain what's left before closing
			for {
				select {
				case entry := <-fl.buffer:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Close flushes pending entries and closes the underlying file
func (fl *FileLogger) Close() error {
	close(fl.closeChan)
	fl.wg.Wait()
	return fl.out.Close()
}
