package storage

import "net/http"

// sniffMime detects content-type from the first bytes of plaintext, per
// magic-byte sniffing rather than extension
// matching (extensions are routinely wrong or absent on FUSE writes).
// http.DetectContentType implements the same WHATWG MIME-sniffing table
// browsers use; no library in the example pack does more than wrap it, so
// this stays on stdlib rather than adding a dependency for a lookup table
// stdlib already ships.
func sniffMime(plaintext []byte) string {
	n := len(plaintext)
	if n > 512 {
		n = 512
	}
	return http.DetectContentType(plaintext[:n])
}
