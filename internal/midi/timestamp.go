package midi

// DefaultTicksPerSecond is the fixed-tempo capture clock.
const DefaultTicksPerSecond = 192.0

// TickTimestamp maps a sample offset inside the current block onto the capture
// timeline. cursorSeconds is the elapsed capture time at the start of the block.
//
// The result is ticksPerSecond * (cursor + offset/blockSamples * blockSeconds).
// ok is false when blockSamples is not positive; such a block carries no events.
func TickTimestamp(ticksPerSecond, cursorSeconds, blockSeconds float64, sampleOffset, blockSamples int) (tick float64, ok bool) {
	if blockSamples <= 0 {
		return 0, false
	}
	frac := float64(sampleOffset) / float64(blockSamples)
	return ticksPerSecond * (cursorSeconds + frac*blockSeconds), true
}
