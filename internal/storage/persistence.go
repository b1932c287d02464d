package storage

import "context"

// DocumentPersistence bundles the snapshot store and the autosaver behind
// the narrow surface the room layer needs: resume, debounced dirty marks,
// and a synchronous final flush.
type DocumentPersistence struct {
	store *Store
	saver *Autosaver
}

// NewDocumentPersistence wires a store and autosaver together.
func NewDocumentPersistence(store *Store, saver *Autosaver) *DocumentPersistence {
	return &DocumentPersistence{store: store, saver: saver}
}

// LoadSnapshot returns the stored snapshot bytes for a document.
func (p *DocumentPersistence) LoadSnapshot(ctx context.Context, docID string) ([]byte, bool, error) {
	record, found, err := p.store.Load(ctx, docID)
	if err != nil || !found {
		return nil, false, err
	}
	return record.Snapshot, true, nil
}

// MarkDirty schedules a debounced save capturing the document's latest
// state.
func (p *DocumentPersistence) MarkDirty(docID string, encode func() []byte) {
	p.saver.Touch(docID, encode)
}

// FlushSnapshot writes the snapshot immediately, cancelling any pending
// debounce.
func (p *DocumentPersistence) FlushSnapshot(ctx context.Context, docID string, snapshot []byte) error {
	return p.saver.Flush(ctx, docID, snapshot)
}
