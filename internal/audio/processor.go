package audio

// Process runs on the host's real-time thread once per block. It never
// blocks on I/O, never allocates on the steady path and never reports errors.
// Process must not be called concurrently with itself.
func (c *Controller) Process(b Block) {
	defer func() {
		if r := recover(); r != nil {
			c.panics.Add(1)
		}
	}()

	if b.Frames <= 0 {
		return
	}

	c.handleMu.Lock()
	a, m := c.audioHandle, c.midiHandle
	if a != nil {
		a.inflight.Add(1)
	}
	if m != nil {
		m.inflight.Add(1)
	}
	c.handleMu.Unlock()

	if a != nil {
		defer a.inflight.Done()
	}
	if m != nil {
		defer m.inflight.Done()
	}

	if m != nil {
		blockSeconds := 0.0
		if rate := c.currentSampleRate(); rate > 0 {
			blockSeconds = float64(b.Frames) / rate
		}
		m.capture.AppendBlock(b.Midi, b.Frames, blockSeconds)
	}
	if a != nil {
		a.pipe.Push(b.Channels, b.Frames)
	}
}
