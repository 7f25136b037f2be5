package collector

import (
	"io"
	"sync"

	serial "github.com/tarm/goserial"
)

// SerialPort adapts a github.com/tarm/goserial connection, which exposes a
// blocking io.ReadWriteCloser, to the collector's non-blocking Port
// contract. A background reader goroutine drains the connection into a
// byte channel, matching the connectToSerialStation pattern of owning the
// serial handle on a dedicated goroutine.
type SerialPort struct {
	rwc  io.ReadWriteCloser
	recv chan byte
	errs chan error

	closeOnce sync.Once
	done      chan struct{}
}

// OpenSerialPort opens device at baud and starts the background reader.
func OpenSerialPort(device string, baud int) (*SerialPort, error) {
	rwc, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud})
	if err != nil {
		return nil, err
	}
	p := &SerialPort{
		rwc:  rwc,
		recv: make(chan byte, 256),
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
	go p.readLoop()
	return p, nil
}

func (p *SerialPort) readLoop() {
	buf := make([]byte, 1)
	for {
		n, err := p.rwc.Read(buf)
		if n > 0 {
			select {
			case p.recv <- buf[0]:
			case <-p.done:
				return
			}
		}
		if err != nil {
			select {
			case p.errs <- err:
			default:
			}
			return
		}
	}
}

// Write implements Port.
func (p *SerialPort) Write(buf []byte) error {
	_, err := p.rwc.Write(buf)
	return err
}

// ReadByte implements Port: non-blocking, drains whatever the background
// reader has already buffered.
func (p *SerialPort) ReadByte() (byte, bool, error) {
	select {
	case b := <-p.recv:
		return b, true, nil
	case err := <-p.errs:
		return 0, false, err
	default:
		return 0, false, nil
	}
}

// Flush implements Port by draining any buffered input; goserial exposes no
// output-buffer flush primitive, so only input is discarded here.
func (p *SerialPort) Flush() error {
	for {
		select {
		case <-p.recv:
		default:
			return nil
		}
	}
}

// Close releases the underlying serial handle.
func (p *SerialPort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.rwc.Close()
	})
	return err
}
