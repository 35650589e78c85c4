//go:build !govips || !cgo

package pipeline

// Startup is a no-op without libvips; outputs are encoded with x/image and
// the standard image codecs.
func Startup() error { return nil }

func Shutdown() {}

func NewTransformer() (Transformer, error) {
	return stdlibTransformer{}, nil
}
