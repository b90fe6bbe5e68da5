package iodev

import (
	log "github.com/sirupsen/logrus"
)

// This device is used by EDK2/CloudHv to let the host know about a shutdown.
// See: https://github.com/cloud-hypervisor/edk2/blob/ch/OvmfPkg/Include/IndustryStandard/CloudHv.h

const (
	ACPIShutDownDevPort = uint64(0x600)
)

// Event is what the guest asked for through the ACPI sleep register.
type Event int

const (
	EventReboot Event = iota + 1
	EventShutdown
)

func (e Event) String() string {
	switch e {
	case EventReboot:
		return "reboot"
	case EventShutdown:
		return "shutdown"
	}

	return "unknown"
}

type ACPIShutDownDevice struct {
	Port uint64

	// OnEvent is called from the vCPU goroutine that did the write.
	OnEvent func(Event)
}

func NewACPIShutDownEvent(onEvent func(Event)) *ACPIShutDownDevice {
	return &ACPIShutDownDevice{
		Port:    ACPIShutDownDevPort,
		OnEvent: onEvent,
	}
}

func (a *ACPIShutDownDevice) Read(base uint64, data []byte) error {
	if len(data) > 0 {
		data[0] = 0
	}

	return nil
}

func (a *ACPIShutDownDevice) Write(base uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if data[0] == 1 {
		log.Info("ACPI Reboot signaled")
		a.signal(EventReboot)
	}
	// The ACPI DSDT table specifies the S5 sleep state (shutdown) as value 5
	S5SleepVal := uint8(5)
	SleepStatusENBit := uint8(5)
	SleepValBit := uint8(2)

	if data[0] == (S5SleepVal<<SleepValBit)|(1<<SleepStatusENBit) {
		log.Info("ACPI Shutdown signalled")
		a.signal(EventShutdown)
	}

	return nil
}

func (a *ACPIShutDownDevice) signal(e Event) {
	if a.OnEvent != nil {
		a.OnEvent(e)
	}
}

func (a *ACPIShutDownDevice) IOPort() uint64 {
	return a.Port
}

func (a *ACPIShutDownDevice) Size() uint64 {
	return 0x8
}
