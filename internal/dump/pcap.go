package dump

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/stagehand-project/stagehand/internal/protocol"
)

// Endpoints used for the synthetic TCP stream in exported captures.
var (
	pcapClientIP  = net.IPv4(10, 0, 0, 2)
	pcapServerIP  = net.IPv4(10, 0, 0, 1)
	pcapClientMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	pcapServerMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
)

const (
	pcapClientPort = 50000
	pcapServerPort = 19132
	pcapSegment    = 1400
	pcapSnapLen    = 65536
)

// ExportPCAP writes every frame of r as TCP segments between a fixed client
// and server so the capture opens in standard packet tools. Frames keep
// their length prefix so the stream can be re-framed by a dissector. It
// returns the number of dump frames exported.
func ExportPCAP(r *Reader, w io.Writer) (int, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(pcapSnapLen, layers.LinkTypeEthernet); err != nil {
		return 0, fmt.Errorf("failed to write pcap header: %w", err)
	}

	base := r.CreatedAt()
	seq := map[Direction]uint32{Inbound: 1, Outbound: 1}
	frames := 0

	for {
		frame, err := r.Read()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}

		ts := base.Add(time.Duration(frame.TimestampMs) * time.Millisecond)
		stream := protocol.AppendFrame(nil, frame.Raw)

		for off := 0; off < len(stream); off += pcapSegment {
			end := min(off+pcapSegment, len(stream))
			pkt, err := buildSegment(frame.Direction, seq, stream[off:end])
			if err != nil {
				return frames, err
			}

			if err := pw.WritePacket(gopacket.CaptureInfo{
				Timestamp:     ts,
				CaptureLength: len(pkt),
				Length:        len(pkt),
			}, pkt); err != nil {
				return frames, fmt.Errorf("failed to write pcap packet: %w", err)
			}
		}
		frames++
	}
}

func buildSegment(dir Direction, seq map[Direction]uint32, payload []byte) ([]byte, error) {
	eth := layers.Ethernet{EthernetType: layers.EthernetTypeIPv4}
	ip4 := layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
	}
	tcp := layers.TCP{
		Window: 65535,
		PSH:    true,
		ACK:    true,
	}

	peer := Inbound
	if dir == Outbound {
		eth.SrcMAC, eth.DstMAC = pcapServerMAC, pcapClientMAC
		ip4.SrcIP, ip4.DstIP = pcapServerIP, pcapClientIP
		tcp.SrcPort, tcp.DstPort = pcapServerPort, pcapClientPort
	} else {
		peer = Outbound
		eth.SrcMAC, eth.DstMAC = pcapClientMAC, pcapServerMAC
		ip4.SrcIP, ip4.DstIP = pcapClientIP, pcapServerIP
		tcp.SrcPort, tcp.DstPort = pcapClientPort, pcapServerPort
	}
	tcp.Seq = seq[dir]
	tcp.Ack = seq[peer]

	if err := tcp.SetNetworkLayerForChecksum(&ip4); err != nil {
		return nil, fmt.Errorf("failed to set checksum layer: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip4, &tcp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("failed to serialize segment: %w", err)
	}

	seq[dir] += uint32(len(payload))
	return buf.Bytes(), nil
}
