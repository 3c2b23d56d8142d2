package counter

// Label maps a 1-based creation sequence to a spreadsheet-style column name:
// 1 → A, 26 → Z, 27 → AA, 28 → AB. Zero has no label.
func Label(seq uint64) string {
	if seq == 0 {
		return ""
	}
	var buf [14]byte
	i := len(buf)
	for seq > 0 {
		seq--
		i--
		buf[i] = byte('A' + seq%26)
		seq /= 26
	}
	return string(buf[i:])
}
