package audio

// Drain consumes ch until its producer closes it, so an abandoned producer
// (a reply stream after barge-in, a device after capture stopped) can exit.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
