package udpnet

import (
	"fmt"

	"github.com/kochman/netblock"
	"github.com/kochman/netblock/internal"
)

// writeChunk moves up to MaxSectors sectors to the agent:
//
//	requested -> flooding -> awaiting status -> complete
//	                 ^               |       -> failed
//	                 +-- bitmask ----+
//
// There is no retry limit. The loop ends when the agent confirms every
// sector, reports a failure, or a channel breaks.
func (h *Handle) writeChunk(sector, numSectors uint32, data []byte) error {
	resp, err := h.query(CmdWrite, sector, numSectors, nil)
	if err != nil {
		return err
	}
	if resp != 0 {
		return fmt.Errorf("%w: agent refused write of %d sectors at %d (%#x)",
			netblock.ErrServer, numSectors, sector, resp)
	}

	var mask Bitmask
	resend := false
	for {
		if err := h.flood(sector, numSectors, data, &mask, resend); err != nil {
			return err
		}

		resp, err := h.query(CmdWriteStat, sector, numSectors, nil)
		if err != nil {
			return err
		}

		switch resp {
		case numSectors:
			h.rampUp()
			return nil

		case NoPayload:
			internal.Warn("agent reported write failure", internal.Fields{
				internal.FieldSession: h.id,
				internal.FieldSector:  sector,
				internal.FieldSectors: numSectors,
			})
			return fmt.Errorf("%w: write of %d sectors at %d failed", netblock.ErrServer, numSectors, sector)

		case 0:
			if _, err := mask.ReadFrom(h.ctrl); err != nil {
				return fmt.Errorf("%w: unable to receive retransmission bitmask: %w", netblock.ErrTransport, err)
			}
			h.backOff()
			h.metrics.ObserveRetransmitRound()
			resend = true
			internal.Debug("agent asked for retransmission", internal.Fields{
				internal.FieldSession: h.id,
				internal.FieldSector:  sector,
				internal.FieldPending: pendingPairs(&mask, numSectors),
				internal.FieldQuick:   h.quickPackets,
			})

		default:
			return fmt.Errorf("%w: unexpected write status %#x for %d sectors at %d",
				netblock.ErrProtocol, resp, numSectors, sector)
		}
	}
}

// flood sends every sector pair the mask does not mark as received. Nothing
// is acknowledged; a lost datagram shows up in the next bitmask.
func (h *Handle) flood(sector, numSectors uint32, data []byte, mask *Bitmask, resend bool) error {
	var pkt [DataPacketLen]byte
	var tail [pairBytes]byte

	sent := 0
	for i := uint32(0); i < numSectors; i += 2 {
		if mask.Get(int(i)) {
			continue
		}

		payload := data[int(i)*netblock.SectorSize:]
		if len(payload) >= pairBytes {
			payload = payload[:pairBytes]
		} else {
			// odd sector count: the last pair is padded with zeros
			n := copy(tail[:], payload)
			clear(tail[n:])
			payload = tail[:]
		}

		dp := DataPacket{
			Payload: payload,
			Command: CmdWrite,
			Start:   sector + i,
		}
		n, err := dp.Encode(pkt[:])
		if err != nil {
			return err
		}
		if _, err := h.data.Write(pkt[:n]); err != nil {
			internal.Trace("datagram not sent", internal.Fields{
				internal.FieldSession: h.id,
				internal.FieldSector:  sector + i,
				internal.FieldError:   err.Error(),
			})
		}
		h.metrics.ObservePacket(resend)

		sent++
		if sent%h.quickPackets == 0 {
			h.sleep(h.delayTime)
		}
	}
	return nil
}

// rampUp lets a clean chunk raise the burst size, at most one above the
// configured value.
func (h *Handle) rampUp() {
	if h.quickPackets <= h.quickCeiling {
		h.quickPackets++
		h.metrics.SetQuickPackets(h.quickPackets)
	}
}

func (h *Handle) backOff() {
	if h.quickPackets > 1 {
		h.quickPackets--
		h.metrics.SetQuickPackets(h.quickPackets)
	}
}

func pendingPairs(mask *Bitmask, numSectors uint32) int {
	pending := 0
	for i := uint32(0); i < numSectors; i += 2 {
		if !mask.Get(int(i)) {
			pending++
		}
	}
	return pending
}
