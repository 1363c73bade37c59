package model

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

// ComputeSignature derives a stable listing signature (SSI) from the fields
// that identify a listing independently of its price and quantity, for
// listings where the remote does not hand one out directly.
//
// Price and quantity are deliberately excluded: an incremental crawl must
// recognize a re-listed item whose price changed as the same listing.
func ComputeSignature(d *DealItem) string {
	payload := fmt.Sprintf("%d|%d|%s|%d|%s|%s|%s",
		d.ServerID,
		d.ItemID,
		strings.TrimSpace(d.ItemName),
		d.Refine,
		d.Grade,
		d.CardSlots,
		strings.TrimSpace(d.ShopName),
	)
	h := xxh3.Hash128([]byte(payload))
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], h.Lo)
	binary.LittleEndian.PutUint64(buf[8:], h.Hi)
	return hex.EncodeToString(buf[:])
}
