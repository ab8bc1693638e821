package media

// FrameBuffer re-windows device chunks of any length into fixed windows.
// It is owned by a single capture goroutine and is not safe for concurrent use.
type FrameBuffer struct {
	size   int
	buffer []float32
}

func NewFrameBuffer(size int) *FrameBuffer {
	if size <= 0 {
		size = DefaultFrameSamples
	}
	return &FrameBuffer{size: size, buffer: make([]float32, 0, size*2)}
}

// Add appends samples and returns every complete window. Windows never alias
// the internal buffer.
func (fb *FrameBuffer) Add(samples []float32) [][]float32 {
	fb.buffer = append(fb.buffer, samples...)
	var windows [][]float32
	for len(fb.buffer) >= fb.size {
		w := make([]float32, fb.size)
		copy(w, fb.buffer[:fb.size])
		windows = append(windows, w)
		fb.buffer = fb.buffer[fb.size:]
	}
	// compact so the backing array does not grow without bound
	if cap(fb.buffer) > fb.size*4 {
		fb.buffer = append(make([]float32, 0, fb.size*2), fb.buffer...)
	}
	return windows
}

// Pending is the number of samples waiting for a full window.
func (fb *FrameBuffer) Pending() int {
	return len(fb.buffer)
}

// Reset discards partial data, used when capture restarts.
func (fb *FrameBuffer) Reset() {
	fb.buffer = fb.buffer[:0]
}
