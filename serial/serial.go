package serial

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bobuhiro11/gokvm-migration/device"
	"github.com/bobuhiro11/gokvm-migration/migration"
	log "github.com/sirupsen/logrus"
)

var errInputFull = errors.New("serial input buffer full")

const (
	COM1Addr = 0x03f8
	COM1IRQ  = 4

	inputBufSize = 10000
)

// Register offsets from the base port.
const (
	regData = iota // RBR/THR, DLL with DLAB
	regIER         // DLM with DLAB
	regIIR         // FCR on write
	regLCR
	regMCR
	regLSR
	regMSR
	regSCR
)

const (
	lcrDLAB = 0x80

	lsrDataReady = 0x01
	lsrTHREmpty  = 0x60

	iirNoInterrupt = 0x01
)

var stateDesc = migration.NewDeviceStateDesc("serial0", 1, migration.Pack( //nolint:gochecknoglobals
	migration.FieldDesc{Name: "ier", Width: 1},
	migration.FieldDesc{Name: "lcr", Width: 1},
	migration.FieldDesc{Name: "mcr", Width: 1},
	migration.FieldDesc{Name: "scr", Width: 1},
	migration.FieldDesc{Name: "fcr", Width: 1},
	migration.FieldDesc{Name: "dll", Width: 1},
	migration.FieldDesc{Name: "dlm", Width: 1},
	migration.FieldDesc{Name: "irq_level", Width: 4},
	migration.FieldDesc{Name: "rx_len", Width: 2},
	migration.FieldDesc{Name: "rx", Width: rxStateSize},
))

// rxStateSize bounds how many pending input bytes travel with the device.
const rxStateSize = 256

// Serial is a 16550 compatible UART at COM1.
type Serial struct {
	device.Gate

	mu sync.Mutex

	IER byte
	LCR byte
	MCR byte
	SCR byte
	FCR byte
	DLL byte
	DLM byte

	irqLevel uint32

	// rx is the pending guest input, oldest first.
	rx  []byte
	out io.Writer

	// This callback is called when serial request IRQ.
	irqCallback func(irq, level uint32)
}

func New(irqCallBack func(irq, level uint32), out io.Writer) (*Serial, error) {
	if irqCallBack == nil {
		irqCallBack = func(irq, level uint32) {}
	}

	s := &Serial{
		DLL:         0xc, // 9600 baud
		out:         out,
		irqCallback: irqCallBack,
	}

	return s, nil
}

// Feed queues one byte of console input and raises the interrupt. Like
// guest I/O it waits while the device is quiesced.
func (s *Serial) Feed(b byte) error {
	s.Enter()
	defer s.Leave()

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.rx) >= inputBufSize {
		return errInputFull
	}

	s.rx = append(s.rx, b)
	s.injectIRQ(0)
	s.injectIRQ(1)

	return nil
}

// Pending returns a copy of the queued input.
func (s *Serial) Pending() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]byte(nil), s.rx...)
}

func (s *Serial) dlab() bool {
	return s.LCR&lcrDLAB != 0
}

// InjectIRQ drives the COM1 interrupt line to level.
func (s *Serial) InjectIRQ(level uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.injectIRQ(level)
}

func (s *Serial) injectIRQ(level uint32) {
	s.irqLevel = level
	s.irqCallback(COM1IRQ, level)
}

func (s *Serial) IOPort() uint64 {
	return COM1Addr
}

func (s *Serial) Size() uint64 {
	return 8
}

func (s *Serial) Read(port uint64, values []byte) error {
	return s.In(port, values)
}

func (s *Serial) Write(port uint64, values []byte) error {
	return s.Out(port, values)
}

func (s *Serial) In(port uint64, values []byte) error {
	if len(values) == 0 {
		return nil
	}

	s.Enter()
	defer s.Leave()

	s.mu.Lock()
	defer s.mu.Unlock()

	port -= COM1Addr

	switch {
	case port == regData && !s.dlab():
		values[0] = 0
		if len(s.rx) > 0 {
			values[0] = s.rx[0]
			s.rx = s.rx[1:]
		}
	case port == regData && s.dlab():
		values[0] = s.DLL
	case port == regIER && !s.dlab():
		values[0] = s.IER
	case port == regIER && s.dlab():
		values[0] = s.DLM
	case port == regIIR:
		values[0] = iirNoInterrupt
	case port == regLCR:
		values[0] = s.LCR
	case port == regMCR:
		values[0] = s.MCR
	case port == regLSR:
		values[0] = lsrTHREmpty
		if len(s.rx) > 0 {
			values[0] |= lsrDataReady
		}
	case port == regMSR:
		values[0] = 0
	case port == regSCR:
		values[0] = s.SCR
	}

	return nil
}

func (s *Serial) Out(port uint64, values []byte) error {
	if len(values) == 0 {
		return nil
	}

	s.Enter()
	defer s.Leave()

	s.mu.Lock()
	defer s.mu.Unlock()

	port -= COM1Addr

	switch {
	case port == regData && !s.dlab():
		if s.out != nil {
			fmt.Fprintf(s.out, "%c", values[0])
		}
	case port == regData && s.dlab():
		s.DLL = values[0]
	case port == regIER && !s.dlab():
		s.IER = values[0]
		if s.IER != 0 {
			s.injectIRQ(0)
			s.injectIRQ(1)
		}
	case port == regIER && s.dlab():
		s.DLM = values[0]
	case port == regIIR:
		s.FCR = values[0]
	case port == regLCR:
		s.LCR = values[0]
	case port == regMCR:
		s.MCR = values[0]
	case port == regSCR:
		s.SCR = values[0]
	default:
		log.Debugf("serial: write %#x to read-only register %d", values[0], port)
	}

	return nil
}

func (s *Serial) Descriptor() *migration.DeviceStateDesc {
	return stateDesc
}

// Capture records the registers and up to rxStateSize bytes of pending
// input. Capturing does not consume the input.
func (s *Serial) Capture() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := migration.NewState(stateDesc)
	st.PutUint8("ier", s.IER)
	st.PutUint8("lcr", s.LCR)
	st.PutUint8("mcr", s.MCR)
	st.PutUint8("scr", s.SCR)
	st.PutUint8("fcr", s.FCR)
	st.PutUint8("dll", s.DLL)
	st.PutUint8("dlm", s.DLM)
	st.PutUint32("irq_level", s.irqLevel)

	rx := make([]byte, rxStateSize)
	n := copy(rx, s.rx)

	if n < len(s.rx) {
		log.Warnf("serial: %d pending input bytes not captured", len(s.rx)-n)
	}

	st.PutUint16("rx_len", uint16(n))
	st.PutBytes("rx", rx)

	return st.Encode()
}

func (s *Serial) Restore(state []byte) error {
	st, err := migration.ParseState(stateDesc, state)
	if err != nil {
		return err
	}

	ier, lcr, mcr := st.Uint8("ier"), st.Uint8("lcr"), st.Uint8("mcr")
	scr, fcr := st.Uint8("scr"), st.Uint8("fcr")
	dll, dlm := st.Uint8("dll"), st.Uint8("dlm")
	level := st.Uint32("irq_level")
	rxLen := int(st.Uint16("rx_len"))
	rx := st.Bytes("rx")

	if err := st.Err(); err != nil {
		return &migration.Error{Kind: migration.Corrupt, Op: "restore serial0", Err: err}
	}

	if rxLen > rxStateSize {
		return &migration.Error{
			Kind: migration.Corrupt,
			Op:   "restore serial0",
			Err:  fmt.Errorf("rx_len %d exceeds %d", rxLen, rxStateSize),
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.IER, s.LCR, s.MCR, s.SCR, s.FCR, s.DLL, s.DLM = ier, lcr, mcr, scr, fcr, dll, dlm
	s.rx = append([]byte(nil), rx[:rxLen]...)

	if level != s.irqLevel {
		s.injectIRQ(level)
	}

	return nil
}
