// Package replay feeds recorded sensor packets back through a decoder. It
// wraps PCAP capture files behind a callback interface so the tools never
// touch gopacket directly.
package replay

import "time"

// PacketFunc receives one raw UDP payload and its capture timestamp.
// Returning an error stops the replay.
type PacketFunc func(payload []byte, stamp time.Time) error
