package empdb

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// FileWriter appends audit events to a local file, one JSON document per
// line. It is the bus-less audit sink.
type FileWriter struct {
	file   *os.File
	path   string
	mu     sync.Mutex
	logger *logrus.Logger
}

// NewFileWriter creates a new file writer
func NewFileWriter(path string, logger *logrus.Logger) (*FileWriter, error) {
	if logger == nil {
		logger = logrus.New()
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	logger.Infoln("Audit file writer initialized, writing to:", path)

	return &FileWriter{
		file:   file,
		path:   path,
		logger: logger,
	}, nil
}

// Write writes one event to the file
func (fw *FileWriter) Write(data []byte) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	// Write the data followed by a newline
	_, err := fw.file.Write(data)
	if err != nil {
		return err
	}

	_, err = fw.file.Write([]byte("\n"))
	return err
}

// Close closes the file
func (fw *FileWriter) Close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.file != nil {
		return fw.file.Close()
	}
	return nil
}

// StartFileSink drains the audit queue into a local file.
// This should run in a new go co-routine.
func StartFileSink(config *Config, queue *AuditQueue, logger *logrus.Logger) {
	fw, err := NewFileWriter(config.AuditFile, logger)
	if err != nil {
		log.Fatalln("Failed to open audit file:", err)
	}
	defer func() {
		if err := fw.Close(); err != nil {
			log.Errorln("Failed to close audit file:", err)
		}
	}()

	for {
		msg, err := queue.Dequeue()
		if err != nil {
			log.Errorln("Failed to read from queue:", err)
			continue
		}
		if err := fw.Write(msg); err != nil {
			log.Errorln("Failed to write audit event:", err)
		}
	}
}
