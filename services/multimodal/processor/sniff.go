// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package processor

import (
	"bytes"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// sniffLen is how many leading bytes are read for signature detection.
const sniffLen = 16

// imageExtensions and videoExtensions back extension-based dispatch when
// magic bytes are inconclusive.
var (
	imageExtensions = map[string]bool{
		".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
		".webp": true, ".bmp": true, ".tiff": true,
	}
	videoExtensions = map[string]bool{
		".mp4": true, ".avi": true, ".mkv": true, ".mov": true,
		".webm": true, ".flv": true, ".wmv": true,
	}
)

// sniffSignature classifies a payload by its leading bytes. Returns
// ok=false when no known container signature matches.
func sniffSignature(head []byte) (Modality, bool) {
	switch {
	case bytes.HasPrefix(head, []byte{0xFF, 0xD8, 0xFF}): // JPEG
		return ModalityImage, true
	case bytes.HasPrefix(head, []byte{0x89, 'P', 'N', 'G'}): // PNG
		return ModalityImage, true
	case bytes.HasPrefix(head, []byte("GIF8")): // GIF87a/89a
		return ModalityImage, true
	case bytes.HasPrefix(head, []byte("BM")): // BMP
		return ModalityImage, true
	case isRIFF(head, "WEBP"):
		return ModalityImage, true
	case isRIFF(head, "AVI "):
		return ModalityVideo, true
	case len(head) >= 12 && bytes.Equal(head[4:8], []byte("ftyp")): // MP4/MOV family
		return ModalityVideo, true
	case bytes.HasPrefix(head, []byte{0x1A, 0x45, 0xDF, 0xA3}): // Matroska/WebM
		return ModalityVideo, true
	default:
		return "", false
	}
}

// isRIFF matches RIFF containers by their four-byte form tag.
func isRIFF(head []byte, form string) bool {
	return len(head) >= 12 &&
		bytes.HasPrefix(head, []byte("RIFF")) &&
		bytes.Equal(head[8:12], []byte(form))
}

// classifyPath determines the modality of an existing file: signature
// first, then extension, then MIME-type guess. The second return is the
// detection method for routing-confidence logging.
func classifyPath(path string) (Modality, string) {
	if f, err := os.Open(path); err == nil {
		head := make([]byte, sniffLen)
		n, _ := f.Read(head)
		_ = f.Close()
		if m, ok := sniffSignature(head[:n]); ok {
			return m, "signature"
		}
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case imageExtensions[ext]:
		return ModalityImage, "extension"
	case videoExtensions[ext]:
		return ModalityVideo, "extension"
	}

	switch mt := mime.TypeByExtension(ext); {
	case strings.HasPrefix(mt, "image/"):
		return ModalityImage, "mime"
	case strings.HasPrefix(mt, "video/"):
		return ModalityVideo, "mime"
	}

	return ModalityText, "default"
}
