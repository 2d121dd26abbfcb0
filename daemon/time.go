package daemon

import "time"

func nowUnix() int64    { return time.Now().Unix() }
func nowUnixMs() int64  { return time.Now().UnixMilli() }
