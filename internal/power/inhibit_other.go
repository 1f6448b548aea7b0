//go:build !darwin && !linux

package power

// unsupportedInhibitor stands in where neither systemd-inhibit nor
// caffeinate exists. The mirror logs the Start failure once and the
// guards keep answering the host bus as usual.
type unsupportedInhibitor struct{}

func newInhibitor() Inhibitor {
	return unsupportedInhibitor{}
}

func (unsupportedInhibitor) Start() error { return ErrUnsupported }
func (unsupportedInhibitor) Stop()        {}
