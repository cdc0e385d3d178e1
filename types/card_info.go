package types

// CardInfo holds the non-key fields returned by the batched discovery command.
type CardInfo struct {
	// LatchValues are the write-once latch slots (1 and 2), empty when unset.
	LatchValues map[int]string
	// Graffiti is the small free-form tag stored on the card.
	Graffiti string
}

func ParseCardInfo(resp *DataStructResponse) CardInfo {
	info := CardInfo{LatchValues: map[int]string{}}

	for _, n := range []int{1, 2} {
		if v, ok := resp.Value(FieldName("latchValue", n)); ok {
			info.LatchValues[n] = v
		}
	}

	if v, ok := resp.Value(FieldName("graffiti", 1)); ok {
		info.Graffiti = v
	}

	return info
}
