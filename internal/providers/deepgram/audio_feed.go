package deepgram

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

const feedBuffer = 32

// audioFeed is the single reader of a microphone stream. Recognition sessions
// come and go, so chunks that nobody consumes are dropped oldest first.
type audioFeed struct {
	source io.Reader
	chunks chan []byte
	done   chan struct{}

	errMu sync.Mutex
	err   error
}

func startAudioFeed(source io.Reader, chunkSize int) *audioFeed {
	if chunkSize < 256 {
		chunkSize = 4096
	}
	feed := &audioFeed{
		source: source,
		chunks: make(chan []byte, feedBuffer),
		done:   make(chan struct{}),
	}
	go feed.pump(chunkSize)
	return feed
}

func (f *audioFeed) pump(chunkSize int) {
	defer close(f.done)

	buf := make([]byte, chunkSize)
	for {
		n, err := f.source.Read(buf)
		if n > 0 {
			f.push(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			f.setErr(fmt.Errorf("microphone stream ended: %w", err))
			return
		}
	}
}

func (f *audioFeed) push(chunk []byte) {
	for {
		select {
		case f.chunks <- chunk:
			return
		default:
		}
		select {
		case <-f.chunks:
		default:
		}
	}
}

func (f *audioFeed) closed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *audioFeed) setErr(err error) {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	if f.err == nil {
		f.err = err
	}
}

func (f *audioFeed) Err() error {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	return f.err
}
