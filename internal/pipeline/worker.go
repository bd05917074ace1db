package pipeline

import (
	"encoding/binary"
	"math"
	"time"
)

func (p *Pipeline) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	buf := make([]byte, drainFrames*p.frameBytes)
	samples := make([]float32, drainFrames*p.channels)
	var reported int64

	for {
		select {
		case <-p.stop:
			p.drain(buf, samples)
			p.reportDrops(&reported)
			if err := p.writer.Close(); err != nil {
				p.finalErr = err
				p.logger.Error("failed to finalize audio file", "error", err)
			}
			return
		case <-p.wake:
		case <-ticker.C:
		}
		p.drain(buf, samples)
		p.reportDrops(&reported)
	}
}

// drain empties the ring into the writer. After the first write error the
// remaining frames are discarded so the producer keeps room in the ring.
func (p *Pipeline) drain(buf []byte, samples []float32) {
	for {
		avail := p.ring.Length()
		avail -= avail % p.frameBytes
		if avail == 0 {
			return
		}
		n := min(avail, len(buf))
		read, err := p.ring.Read(buf[:n])
		p.consumed.Add(int64(read))
		if err != nil || read == 0 {
			return
		}

		count := read / bytesPerSample
		for i := 0; i < count; i++ {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*bytesPerSample:]))
		}
		frames := read / p.frameBytes

		if p.writeErr != nil {
			p.dropped.Add(int64(frames))
			continue
		}
		if err := p.writer.WriteFrames(samples[:count]); err != nil {
			p.writeErr = err
			p.dropped.Add(int64(frames))
			p.logger.Error("audio encoder write failed, discarding further frames", "error", err)
			continue
		}
		p.written.Add(int64(frames))
		p.obs.FramesWritten(frames)
	}
}

func (p *Pipeline) reportDrops(reported *int64) {
	dropped := p.dropped.Load()
	if dropped == *reported {
		return
	}
	p.logger.Warn("audio frames dropped",
		"error", ErrOverflow,
		"new", dropped-*reported,
		"total", dropped)
	*reported = dropped
}
