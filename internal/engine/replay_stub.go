//go:build !pcap
// +build !pcap

package engine

import (
	"context"
	"fmt"
)

// ReplayCaptureFile is a stub implementation when PCAP support is disabled
// Build with -tags=pcap to enable capture replay
func ReplayCaptureFile(ctx context.Context, pcapFile string, udpPort int, sink SampleSink) error {
	return fmt.Errorf("PCAP support not enabled: rebuild with -tags=pcap to enable capture replay")
}
