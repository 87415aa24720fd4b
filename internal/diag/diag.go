// Package diag is the logging seam every core component goes through. It
// wraps github.com/cihub/seelog the way 6Sack-bw2's async_full.go and
// clistub.go configure and replace the global seelog logger, but behind a
// small interface so tests can inject a no-op logger without touching
// process-global state.
package diag

import (
	"fmt"
	"os"
	"sync"

	log "github.com/cihub/seelog"
)

// Logger is the minimal surface every component needs. seelog.LoggerInterface
// satisfies it directly; tests can supply a stub.
type Logger interface {
	Tracef(format string, params ...interface{})
	Debugf(format string, params ...interface{})
	Infof(format string, params ...interface{})
	Warnf(format string, params ...interface{})
	Errorf(format string, params ...interface{})
	Criticalf(format string, params ...interface{})
}

var (
	mu      sync.RWMutex
	current Logger = log.Current
)

const defaultConfig = `
<seelog minlevel="info">
	<outputs>
		<splitter formatid="common">
			<console/>
		</splitter>
	</outputs>
	<formats>
		<format id="common" format="[%LEV] %Time %Date %File:%Line %Msg%n"/>
	</formats>
</seelog>`

// Init configures the package-wide logger from a seelog XML config string.
// Passing an empty string uses defaultConfig (console, info level).
func Init(xmlConfig string) error {
	if xmlConfig == "" {
		xmlConfig = defaultConfig
	}
	logger, err := log.LoggerFromConfigAsString(xmlConfig)
	if err != nil {
		return fmt.Errorf("diag: bad log config: %w", err)
	}
	log.ReplaceLogger(logger)
	mu.Lock()
	current = logger
	mu.Unlock()
	return nil
}

// SetLogger overrides the logger used by L(), bypassing seelog entirely.
// Intended for tests.
func SetLogger(l Logger) {
	mu.Lock()
	current = l
	mu.Unlock()
}

// L returns the current process-wide logger.
func L() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func init() {
	if err := Init(""); err != nil {
		fmt.Fprintln(os.Stderr, "diag: falling back to seelog defaults:", err)
	}
}
