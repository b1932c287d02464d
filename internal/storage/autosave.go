package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultDebounce = 2 * time.Second

// Autosaver coalesces bursts of document changes into one snapshot write
// after a quiet period, bounding write amplification during live play.
// Saves are fire-and-forget relative to the change that triggered them;
// Flush exists for the teardown path that must not lose state.
type Autosaver struct {
	store    *Store
	debounce time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	timers   map[string]*time.Timer
	encoders map[string]func() []byte
	closed   bool
	inflight sync.WaitGroup
}

// NewAutosaver constructs an autosaver over the snapshot store.
func NewAutosaver(store *Store, debounce time.Duration, logger *zap.Logger) *Autosaver {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Autosaver{
		store:    store,
		debounce: debounce,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
		encoders: make(map[string]func() []byte),
	}
}

// Touch notes that a document changed. The encoder is called once the
// quiet period elapses, so the save always captures the latest state.
func (a *Autosaver) Touch(docID string, encode func() []byte) {
	if docID == "" || encode == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.encoders[docID] = encode
	if timer, found := a.timers[docID]; found {
		timer.Reset(a.debounce)
		return
	}
	a.timers[docID] = time.AfterFunc(a.debounce, func() {
		a.fire(docID)
	})
}

func (a *Autosaver) fire(docID string) {
	a.mu.Lock()
	encode := a.encoders[docID]
	delete(a.timers, docID)
	delete(a.encoders, docID)
	if a.closed || encode == nil {
		a.mu.Unlock()
		return
	}
	a.inflight.Add(1)
	a.mu.Unlock()
	defer a.inflight.Done()

	snapshot := encode()
	if len(snapshot) == 0 {
		return
	}
	if _, err := a.store.Save(context.Background(), docID, snapshot); err != nil {
		a.logger.Warn("autosave failed", zap.String("doc_id", docID), zap.Error(err))
	}
}

// Flush cancels any pending debounce for the document and writes the given
// snapshot synchronously. Used on room teardown.
func (a *Autosaver) Flush(ctx context.Context, docID string, snapshot []byte) error {
	a.mu.Lock()
	if timer, found := a.timers[docID]; found {
		timer.Stop()
		delete(a.timers, docID)
	}
	delete(a.encoders, docID)
	a.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}
	_, err := a.store.Save(ctx, docID, snapshot)
	return err
}

// Close stops all pending timers and waits for in-flight saves.
func (a *Autosaver) Close() {
	a.mu.Lock()
	a.closed = true
	for docID, timer := range a.timers {
		timer.Stop()
		delete(a.timers, docID)
	}
	a.encoders = make(map[string]func() []byte)
	a.mu.Unlock()
	a.inflight.Wait()
}
