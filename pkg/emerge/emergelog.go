package emerge

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

const emergeLogName = "emerge.log"

// emergeLogFormatter writes "<unix time>:  <message>" lines.
type emergeLogFormatter struct{}

func (emergeLogFormatter) Format(e *logrus.Entry) ([]byte, error) {
	return []byte(fmt.Sprintf("%d: %s\n", e.Time.Unix(), e.Message)), nil
}

// EmergeLog appends a line per merge event to emerge.log. A log that
// cannot be opened discards everything.
type EmergeLog struct {
	mu     sync.Mutex
	logger *logrus.Logger
	closer io.Closer
}

// OpenEmergeLog opens emerge.log under dir. An empty dir disables the log.
func OpenEmergeLog(dir string) *EmergeLog {
	l := logrus.New()
	l.SetFormatter(emergeLogFormatter{})
	l.SetOutput(io.Discard)
	el := &EmergeLog{logger: l}
	if dir == "" {
		return el
	}
	path := filepath.Join(dir, emergeLogName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0660)
	if err != nil {
		logrus.WithError(err).WithField("path", path).Debug("emerge log disabled")
		return el
	}
	l.SetOutput(f)
	el.closer = f
	return el
}

func (el *EmergeLog) Log(format string, args ...interface{}) {
	if el == nil {
		return
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	el.logger.Infof(format, args...)
}

func (el *EmergeLog) Close() error {
	if el == nil || el.closer == nil {
		return nil
	}
	return el.closer.Close()
}
