package async

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type panicRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (p *panicRecorder) Debug(string, ...any) {}
func (p *panicRecorder) Info(string, ...any)  {}
func (p *panicRecorder) Warn(string, ...any)  {}
func (p *panicRecorder) Error(msg string, _ ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

func TestGoTrackedRecoversPanic(t *testing.T) {
	rec := &panicRecorder{}
	var wg sync.WaitGroup

	GoTracked(&wg, rec, "boom", func() { panic("kaput") })
	GoTracked(&wg, rec, "fine", func() {})
	wg.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"goroutine panic"}, rec.msgs)
}

func TestGoRunsFunction(t *testing.T) {
	done := make(chan struct{})
	Go(nil, "worker", func() { close(done) })
	<-done
}
