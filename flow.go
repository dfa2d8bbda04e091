//go:build darwin || linux

package main

// Software flow-control characters (ASCII DC1/DC3).
const (
	xon  = 0x11
	xoff = 0x13
)

// stripFlowControl compacts buf in place, dropping XON and XOFF bytes and
// tracking the transmit state they request. The last flow-control byte in
// the buffer wins. No XON/XOFF is ever generated toward the child; its PTY
// carries its own flow-control settings.
func stripFlowControl(buf []byte, txOK bool) ([]byte, bool) {
	kept := buf[:0]
	for _, b := range buf {
		switch b {
		case xon:
			txOK = true
		case xoff:
			txOK = false
		default:
			kept = append(kept, b)
		}
	}
	return kept, txOK
}
