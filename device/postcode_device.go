package device

import (
	"fmt"
	"io"
	"sync"

	"github.com/bobuhiro11/gokvm-migration/migration"
)

const PostCodePort = 0x80

var postCodeDesc = migration.NewDeviceStateDesc("postcode", 1, migration.Pack( //nolint:gochecknoglobals
	migration.FieldDesc{Name: "last", Width: 1},
	migration.FieldDesc{Name: "count", Width: 8},
))

// PostCodeDevice echoes firmware POST codes written to port 0x80 and
// remembers the last one.
type PostCodeDevice struct {
	Gate

	mu    sync.Mutex
	out   io.Writer
	last  byte
	count uint64
}

func NewPostCodeDevice(out io.Writer) *PostCodeDevice {
	return &PostCodeDevice{out: out}
}

func (p *PostCodeDevice) Read(port uint64, data []byte) error {
	return nil
}

func (p *PostCodeDevice) Write(port uint64, data []byte) error {
	if len(data) != 1 {
		return errDataLenInvalid
	}

	p.Enter()
	defer p.Leave()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.last = data[0]
	p.count++

	if p.out == nil {
		return nil
	}

	if data[0] == '\000' {
		fmt.Fprintf(p.out, "\r\n")
	} else {
		fmt.Fprintf(p.out, "%c", data[0])
	}

	return nil
}

func (p *PostCodeDevice) IOPort() uint64 {
	return PostCodePort
}

func (p *PostCodeDevice) Size() uint64 {
	return 0x1
}

// Last returns the last code and how many were written.
func (p *PostCodeDevice) Last() (byte, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.last, p.count
}

func (p *PostCodeDevice) Descriptor() *migration.DeviceStateDesc {
	return postCodeDesc
}

func (p *PostCodeDevice) Capture() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := migration.NewState(postCodeDesc)
	s.PutUint8("last", p.last)
	s.PutUint64("count", p.count)

	return s.Encode()
}

func (p *PostCodeDevice) Restore(state []byte) error {
	s, err := migration.ParseState(postCodeDesc, state)
	if err != nil {
		return err
	}

	last, count := s.Uint8("last"), s.Uint64("count")
	if err := s.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	p.last, p.count = last, count
	p.mu.Unlock()

	return nil
}
