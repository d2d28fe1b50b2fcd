package main

// helper to debug memory blow-up

import (
	"syscall"
)

// usedRAM returns used main memory in bytes from sysinfo(2).
// Ref. http://man7.org/linux/man-pages/man2/sysinfo.2.html
func usedRAM() uint64 {
	si := &syscall.Sysinfo_t{}
	if err := syscall.Sysinfo(si); err != nil {
		return 0
	}
	unit := uint64(si.Unit)
	return (uint64(si.Totalram) - uint64(si.Freeram)) * unit
}
