package audio

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// Player feeds queued PCM16 samples to the default output device. When the
// queue runs dry the device gets silence instead of a blocked stream.
type Player struct {
	stream *portaudio.Stream
	buf    []int16

	mu    sync.Mutex
	queue []int16
}

// NewPlayer opens a PortAudio playback stream with the given sample rate and buffer size (in frames).
func NewPlayer(sampleRate, framesPerBuffer int) (*Player, error) {
	buf := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), framesPerBuffer, buf)
	if err != nil {
		return nil, err
	}
	return &Player{stream: stream, buf: buf}, nil
}

func (p *Player) Start() error { return p.stream.Start() }
func (p *Player) Stop() error  { return p.stream.Stop() }

// Enqueue appends PCM16-LE bytes to the playback queue.
func (p *Player) Enqueue(pcm []byte) {
	samples := make([]int16, len(pcm)/bytesPerInt16)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*bytesPerInt16:]))
	}
	p.mu.Lock()
	p.queue = append(p.queue, samples...)
	p.mu.Unlock()
}

// Pending reports how many queued samples have not reached the device yet.
func (p *Player) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Run streams the queue to the device until ctx is done. Underflow is not
// fatal; the write is retried with whatever has arrived since.
func (p *Player) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		p.fill()
		if err := p.stream.Write(); err != nil && err != portaudio.OutputUnderflowed {
			return err
		}
	}
}

func (p *Player) fill() {
	p.mu.Lock()
	n := copy(p.buf, p.queue)
	p.queue = p.queue[n:]
	if len(p.queue) == 0 {
		p.queue = nil
	}
	p.mu.Unlock()

	for i := n; i < len(p.buf); i++ {
		p.buf[i] = 0
	}
}
