//go:build govips && cgo

package pipeline

import (
	"log"
	"os"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var (
	runtimeMu sync.Mutex
	started   bool
)

// Startup boots libvips once per process. Pages are decoded one job at a
// time per worker slot, so vips itself runs single threaded with a small cache.
func Startup() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if started {
		return nil
	}

	vipsLogger := log.New(os.Stderr, "[vips] ", log.LstdFlags|log.Lmsgprefix)
	vips.LoggingSettings(func(domain string, level vips.LogLevel, message string) {
		vipsLogger.Printf("domain=%s level=%d %s", domain, level, message)
	}, vips.LogLevelWarning)
	vips.Startup(&vips.Config{
		ConcurrencyLevel: 1,
		MaxCacheFiles:    0,
		MaxCacheMem:      32 * 1024 * 1024,
		MaxCacheSize:     16,
	})
	started = true
	return nil
}

func Shutdown() {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if !started {
		return
	}
	vips.Shutdown()
	started = false
}

func NewTransformer() (Transformer, error) {
	if err := Startup(); err != nil {
		return nil, err
	}
	return govipsTransformer{}, nil
}
