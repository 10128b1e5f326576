//go:build pcap
// +build pcap

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/nearfield-data/proximity.live/internal/monitoring"
)

// ReplayCaptureFile reads captured submission datagrams from a PCAP file and
// feeds them through the same decode path as the live UDP listener. Useful
// for reproducing field incidents against a fresh engine.
// This function is only available when building with the 'pcap' build tag.
func ReplayCaptureFile(ctx context.Context, pcapFile string, udpPort int, sink SampleSink) error {
	handle, err := pcap.OpenOffline(pcapFile)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", pcapFile, err)
	}
	defer handle.Close()

	filterStr := fmt.Sprintf("udp port %d", udpPort)
	if err := handle.SetBPFFilter(filterStr); err != nil {
		return fmt.Errorf("failed to set BPF filter '%s': %w", filterStr, err)
	}
	monitoring.Logf("PCAP BPF filter set: %s", filterStr)

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	packetCount := 0
	submitted := 0
	rejected := 0
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("PCAP replay stopping due to context cancellation (processed %d packets)", packetCount)
			return ctx.Err()
		case packet := <-packetSource.Packets():
			if packet == nil {
				// End of PCAP file
				elapsed := time.Since(startTime)
				monitoring.Logf("PCAP replay complete: %d packets, %d submissions accepted, %d rejected in %v",
					packetCount, submitted, rejected, elapsed)
				return nil
			}

			packetCount++

			udpLayer := packet.Layer(layers.LayerTypeUDP)
			if udpLayer == nil {
				continue // Skip non-UDP packets (shouldn't happen with BPF filter)
			}
			udp, ok := udpLayer.(*layers.UDP)
			if !ok {
				continue
			}
			payload := udp.Payload
			if len(payload) == 0 {
				continue
			}

			subs, err := DecodeDatagram(payload)
			if err != nil {
				monitoring.Logf("Error decoding PCAP packet %d: %v", packetCount, err)
				continue
			}
			for _, sub := range subs {
				if _, err := sink.Submit(sub); err != nil {
					rejected++
					continue
				}
				submitted++
			}

			if packetCount%10000 == 0 {
				elapsed := time.Since(startTime)
				monitoring.Logf("PCAP progress: %d packets processed in %v (%.0f pkt/s)",
					packetCount, elapsed, float64(packetCount)/elapsed.Seconds())
			}
		}
	}
}
