package disposable

// Disposable releases a previously acquired registration or resource.
// Dispose is idempotent.
type Disposable interface {
	Dispose()
}

type disposableFunc struct {
	dispose  func()
	disposed bool
}

// NewDisposable wraps a release function into a Disposable.
func NewDisposable(dispose func()) Disposable {
	return &disposableFunc{dispose: dispose}
}

func (d *disposableFunc) Dispose() {
	if d.disposed {
		return
	}
	d.disposed = true
	d.dispose()
}

type compositeDisposable struct {
	delegates []Disposable
}

// NewCompositeDisposable groups several disposables so they can be
// released with a single Dispose call.
func NewCompositeDisposable(delegates ...Disposable) Disposable {
	return &compositeDisposable{delegates: delegates}
}

func (d *compositeDisposable) Dispose() {
	for _, delegate := range d.delegates {
		delegate.Dispose()
	}
}
