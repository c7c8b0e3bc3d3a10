package models

// RefundDetail is a refund record joined with the item it was bid on,
// used by the pull-style refund query.
type RefundDetail struct {
	Refund
	ItemTitle  string `json:"item_title"`
	ItemArtist string `json:"item_artist"`
}
