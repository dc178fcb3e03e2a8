package protocol

// Records (a batch of) as a very universal primitive for network
// packet processing. Batching allows for writev(); Records converts
// easily to net.Buffers.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}
