// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_amrwb

import "github.com/pion/rtp"

// DetectAndStripRTP removes an RTP header, header extension and padding from
// a media payload when one is present, returning the bare codec payload.
//
// Carriers are inconsistent about whether media-stream frames carry the full
// RTP packet or just the codec payload, so this has to be detected rather
// than configured. The heuristic: at least a fixed header's worth of bytes,
// version bits == 2, and the whole header (CSRCs + extension) must parse
// cleanly with a non-empty payload left over. Transcode retries unstripped if
// the stripped payload fails to depacketize, so a rare false positive here is
// recoverable.
func DetectAndStripRTP(payload []byte) ([]byte, bool) {
	if len(payload) < 12 {
		return payload, false
	}
	if payload[0]>>6 != 2 { // RTP version field
		return payload, false
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(payload); err != nil {
		return payload, false
	}
	if len(pkt.Payload) == 0 {
		return payload, false
	}
	return pkt.Payload, true
}
