package transport

// resyncPackets is the smallest sequence jump treated as a stream restart rather
// than loss or reordering.
const resyncPackets = 100

// jitterBuffer reorders packets by RTP sequence number. It holds at most window
// packets ahead of the next expected sequence; once that depth is exceeded the
// missing sequence is declared lost and reported as a gap so the reader can emit
// silence instead of blocking. A gap never yields more than window silence frames.
type jitterBuffer struct {
	window  int
	packets map[uint16][]byte

	started  bool
	expected uint16
	// lateRun counts consecutive packets behind expected.
	lateRun int

	lost       uint64
	late       uint64
	duplicates uint64
	resyncs    uint64
}

// jitterOutput is either a payload in sequence order or a single lost packet.
type jitterOutput struct {
	seq     uint16
	payload []byte
	lost    bool
}

func newJitterBuffer(window int) *jitterBuffer {
	if window <= 0 {
		window = 3
	}
	return &jitterBuffer{window: window, packets: make(map[uint16][]byte, window+1)}
}

// seqDiff is a-b in 16-bit serial number arithmetic.
func seqDiff(a, b uint16) int {
	return int(int16(a - b))
}

func (j *jitterBuffer) resyncDistance() int {
	return max(resyncPackets, j.window*8)
}

// reset forgets the current stream. The next pushed packet starts a new one.
func (j *jitterBuffer) reset() {
	clear(j.packets)
	j.started = false
	j.lateRun = 0
}

// push stores a packet. Packets slightly behind the expected sequence are
// discarded as late. A jump far from expected, or a run of late packets longer
// than the window, restarts the buffer at seq.
func (j *jitterBuffer) push(seq uint16, payload []byte) {
	if j.started {
		d := seqDiff(seq, j.expected)
		switch {
		case d > j.resyncDistance() || -d > j.resyncDistance():
			j.resync()
		case d < 0:
			j.lateRun++
			if j.lateRun <= j.window {
				j.late++
				return
			}
			j.resync()
		default:
			j.lateRun = 0
		}
	}
	if !j.started {
		j.started = true
		j.expected = seq
	}
	if _, ok := j.packets[seq]; ok {
		j.duplicates++
		return
	}
	j.packets[seq] = payload
}

func (j *jitterBuffer) resync() {
	j.reset()
	j.resyncs++
}

// pop returns the next output in sequence order, or false when the buffer must wait
// for the expected packet.
func (j *jitterBuffer) pop() (jitterOutput, bool) {
	if !j.started || len(j.packets) == 0 {
		return jitterOutput{}, false
	}
	if payload, ok := j.packets[j.expected]; ok {
		delete(j.packets, j.expected)
		out := jitterOutput{seq: j.expected, payload: payload}
		j.expected++
		return out, true
	}
	if len(j.packets) <= j.window {
		return jitterOutput{}, false
	}
	return j.declareLost(), true
}

// flushGap declares the expected packet lost when anything is buffered behind it.
// Used when the reader has waited longer than the window's worth of packet time.
func (j *jitterBuffer) flushGap() (jitterOutput, bool) {
	if !j.started || len(j.packets) == 0 {
		return jitterOutput{}, false
	}
	if _, ok := j.packets[j.expected]; ok {
		return j.pop()
	}
	return j.declareLost(), true
}

// declareLost reports expected as lost. When the next buffered packet is more
// than window away, the sequence skips forward so at most window losses are
// reported for the gap.
func (j *jitterBuffer) declareLost() jitterOutput {
	if gap := j.nearest(); gap > j.window {
		skipped := gap - j.window
		j.lost += uint64(skipped)
		j.expected += uint16(skipped)
	}
	out := jitterOutput{seq: j.expected, lost: true}
	j.lost++
	j.expected++
	return out
}

// nearest is the distance from expected to the closest buffered packet.
func (j *jitterBuffer) nearest() int {
	best := -1
	for seq := range j.packets {
		if d := seqDiff(seq, j.expected); d > 0 && (best < 0 || d < best) {
			best = d
		}
	}
	return best
}
