//go:build debug

package channel

// New creates a new channel.
// Debug builds use an unbuffered channel (size is ignored) so event
// interleavings are deterministic.
func New[T any](size int) Channel[T] {
	return NewUnbuffered[T]()
}
