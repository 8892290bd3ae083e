// Package viewmodel holds the in-memory state the UI renders. Every mutation
// reports whether anything visible changed and signals a refresh only then.
package viewmodel

type refresher struct {
	refreshCh chan struct{}
}

func newRefresher() refresher {
	return refresher{refreshCh: make(chan struct{}, 1)}
}

// RefreshCh returns the channel that signals UI refresh. Signals coalesce.
func (r refresher) RefreshCh() <-chan struct{} {
	return r.refreshCh
}

func (r refresher) signalRefresh() {
	select {
	case r.refreshCh <- struct{}{}:
	default:
	}
}
