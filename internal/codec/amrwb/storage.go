// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_amrwb

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rapidaai/voice-gateway/pkg/commons"
)

// StorageMagic is the AMR-WB single-channel storage format header
// (RFC 4867 §5.3).
const StorageMagic = "#!AMR-WB\n"

// EncodeStorage renders frames in the .awb storage format: magic header, then
// per frame one storage TOC byte (FT<<3 | Q<<2) followed by the raw frame
// data. The result plays in any AMR-WB capable tool, which makes it the
// cheapest offline diagnosis artifact for crunchy-audio reports.
func EncodeStorage(frames []Frame) []byte {
	var buf bytes.Buffer
	buf.WriteString(StorageMagic)
	for _, f := range frames {
		buf.WriteByte(byte(f.FT&0x0F)<<3 | byte(f.Q&0x01)<<2)
		buf.Write(f.Data)
	}
	return buf.Bytes()
}

// DecodeStorage parses a .awb storage file back into a frame list.
func DecodeStorage(data []byte) ([]Frame, error) {
	if len(data) < len(StorageMagic) || string(data[:len(StorageMagic)]) != StorageMagic {
		return nil, errStorageBadMagic
	}
	pos := len(StorageMagic)
	var frames []Frame
	for pos < len(data) {
		toc := data[pos]
		pos++
		ft := int(toc >> 3 & 0x0F)
		q := int(toc >> 2 & 0x01)
		if !validFT(ft) {
			return nil, errStorageInvalidByte
		}
		size := frameSizeBytes[ft]
		if pos+size > len(data) {
			return nil, errStorageFrameShort
		}
		var fd []byte
		if size > 0 {
			fd = make([]byte, size)
			copy(fd, data[pos:pos+size])
			pos += size
		}
		frames = append(frames, newFrame(ft, q, fd))
	}
	return frames, nil
}

// ArtifactWriter dumps problem payloads as .awb files for offline decoding.
// It is rate limited: an initial burst of files is allowed, after which
// writes are spaced out so a long broken call cannot fill the disk.
type ArtifactWriter struct {
	mu          sync.Mutex
	logger      commons.Logger
	dir         string
	burstLimit  int
	minInterval time.Duration

	written   int
	lastWrite time.Time
	clock     func() time.Time
}

// NewArtifactWriter creates a writer storing files under dir. A zero
// burstLimit defaults to 30 files; a zero minInterval defaults to 1 s.
func NewArtifactWriter(logger commons.Logger, dir string, burstLimit int, minInterval time.Duration) *ArtifactWriter {
	if burstLimit <= 0 {
		burstLimit = 30
	}
	if minInterval <= 0 {
		minInterval = time.Second
	}
	return &ArtifactWriter{
		logger:      logger,
		dir:         dir,
		burstLimit:  burstLimit,
		minInterval: minInterval,
		clock:       time.Now,
	}
}

// Write persists frames as <dir>/<callControlID>_<n>.awb, subject to the rate
// limit. Returns the file path, or "" when the write was suppressed.
func (w *ArtifactWriter) Write(callControlID string, frames []Frame) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock()
	if w.written >= w.burstLimit && now.Sub(w.lastWrite) < w.minInterval {
		return ""
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		w.logger.Warnw("amrwb artifact dir create failed", "dir", w.dir, "error", err.Error())
		return ""
	}
	name := fmt.Sprintf("%s_%d.awb", callControlID, w.written)
	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, EncodeStorage(frames), 0o644); err != nil {
		w.logger.Warnw("amrwb artifact write failed", "path", path, "error", err.Error())
		return ""
	}
	w.written++
	w.lastWrite = now
	return path
}
