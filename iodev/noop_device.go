package iodev

// NoopDevice claims a port range, drops writes and answers reads with Fill.
type NoopDevice struct {
	Port  uint64
	Psize uint64
	Fill  byte
}

func (n *NoopDevice) Read(port uint64, data []byte) error {
	for i := range data {
		data[i] = n.Fill
	}

	return nil
}

func (n *NoopDevice) Write(port uint64, data []byte) error {
	return nil
}

func (n *NoopDevice) IOPort() uint64 {
	return n.Port
}

func (n *NoopDevice) Size() uint64 {
	return n.Psize
}
