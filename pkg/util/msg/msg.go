package msg

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger carries structured events from the resolver and the merge engine.
var Logger = logrus.New()

var (
	mu         sync.Mutex
	noiseLimit = 0
	stdout     io.Writer = os.Stdout
	stderr     io.Writer = os.Stderr
)

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	Logger.SetLevel(logrus.InfoLevel)
}

// SetNoiseLimit sets how chatty WriteMsg is; -1 is --quiet, 1 is --verbose
// and 2 and above also enable debug logging.
func SetNoiseLimit(limit int) {
	mu.Lock()
	defer mu.Unlock()
	noiseLimit = limit
	switch {
	case limit < 0:
		Logger.SetLevel(logrus.WarnLevel)
	case limit >= 2:
		Logger.SetLevel(logrus.DebugLevel)
	default:
		Logger.SetLevel(logrus.InfoLevel)
	}
}

// SetOutput redirects WriteMsg and the logger, mostly for tests.
func SetOutput(out, err io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	stdout, stderr = out, err
	Logger.SetOutput(err)
}

//0, nil
func WriteMsg(myStr string, noiseLevel int, fd io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if fd == nil {
		fd = stderr
	}
	if noiseLevel <= noiseLimit {
		fd.Write([]byte(myStr))
	}
}

// 0
func WriteMsgStdout(myStr string, noiseLevel int) {
	WriteMsg(myStr, noiseLevel, stdout)
}

// WriteMsgLevel follows the logging module levels: 30 and above is a
// warning and goes to stderr, 40 and above is an error.
func WriteMsgLevel(msg string, level, noiseLevel int) {
	mu.Lock()
	fd := stdout
	if level >= 30 {
		fd = stderr
	}
	mu.Unlock()
	WriteMsg(msg, noiseLevel, fd)
	line := strings.TrimSpace(msg)
	if line == "" {
		return
	}
	switch {
	case level >= 40:
		Logger.Debug("error: " + line)
	case level >= 30:
		Logger.Debug("warning: " + line)
	}
}

// WithFields is shorthand for Logger.WithFields.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}
