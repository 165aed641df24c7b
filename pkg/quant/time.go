package quant

import "time"

// TimeStamp represents Unix Microseconds.
type TimeStamp int64

// FromTime converts t to a TimeStamp.
func FromTime(t time.Time) TimeStamp {
	return TimeStamp(t.UnixMicro())
}

func (ts TimeStamp) Time() time.Time {
	return time.UnixMicro(int64(ts)).UTC()
}
