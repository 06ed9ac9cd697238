package remote_test

import "time"

const (
	time2s = 2 * time.Second
	tick   = 10 * time.Millisecond
)
