package util

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func resetGlobals() {
	tracerMu.Lock()
	tracer = nil
	tracerMu.Unlock()

	loggerMu.Lock()
	logger = nil
	loggerMu.Unlock()
}

// Run with -race: request handlers hit these lazily initialized globals
// concurrently when tracing is disabled.
func TestConcurrentFirstUseOfTracerAndLogger(t *testing.T) {
	resetGlobals()
	t.Cleanup(resetGlobals)

	const workers = 8
	var wg sync.WaitGroup
	loggers := make([]interface{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, span := StartSpan(context.Background(), "concurrent-first-use")
			span.End()
			loggers[i] = GetLogger()
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.Same(t, loggers[0], loggers[i])
	}
}

func TestInitLoggerReplacesDefault(t *testing.T) {
	resetGlobals()
	t.Cleanup(resetGlobals)

	fallback := GetLogger()
	assert.NoError(t, InitLogger("production", "warn"))

	l := GetLogger()
	assert.NotSame(t, fallback, l)
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
}
