package shield

// bodyInspector walks a request body in bounded windows so signature matching
// never holds more than one chunk plus an overlap tail. The tail carries the
// final bytes of the previous window into the next one, which lets a
// signature that straddles a chunk boundary still match.
type bodyInspector struct {
	detector *Detector
	state    *scanState

	tail []byte
	// matched marks signatures that already hit the body. A signature found
	// entirely inside the tail was findable in the previous window too, so
	// the guard also prevents double counting across windows.
	matched []bool
}

func (d *Detector) newBodyInspector(state *scanState) *bodyInspector {
	return &bodyInspector{
		detector: d,
		state:    state,
		tail:     make([]byte, 0, d.overlap),
		matched:  make([]bool, len(d.patterns)),
	}
}

// scanBody feeds the body through a fresh inspector chunk by chunk. Bytes
// past the scan budget are ignored, matching how text locations truncate.
func (d *Detector) scanBody(state *scanState, body []byte) {
	if len(body) == 0 {
		return
	}
	if len(body) > d.maxScan {
		body = body[:d.maxScan]
	}

	insp := d.newBodyInspector(state)
	for start := 0; start < len(body); start += d.chunkSize {
		end := start + d.chunkSize
		if end > len(body) {
			end = len(body)
		}
		if insp.process(body[start:end]) && !d.anomaly {
			return
		}
	}
}

// process scans one chunk and reports whether a hit landed in it.
func (b *bodyInspector) process(chunk []byte) bool {
	d := b.detector

	searchBuf := make([]byte, 0, len(b.tail)+len(chunk))
	searchBuf = append(searchBuf, b.tail...)
	searchBuf = append(searchBuf, chunk...)
	text := string(searchBuf)

	hit := false
	for i, p := range d.patterns {
		if b.matched[i] || d.skipPattern(p, LocationBody) {
			continue
		}
		idx := d.matchIndex(p.expr, text)
		if idx == nil {
			continue
		}
		b.matched[i] = true
		if d.record(b.state, p, LocationBody, text[idx[0]:idx[1]]) {
			hit = true
		}
	}

	b.retainTail(searchBuf)
	return hit
}

// retainTail keeps the final overlap bytes of the window for the next call.
func (b *bodyInspector) retainTail(searchBuf []byte) {
	keep := b.detector.overlap
	if len(searchBuf) < keep {
		keep = len(searchBuf)
	}
	if cap(b.tail) < keep {
		b.tail = make([]byte, keep)
	} else {
		b.tail = b.tail[:keep]
	}
	copy(b.tail, searchBuf[len(searchBuf)-keep:])
}
