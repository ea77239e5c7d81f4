package cache

import "fmt"

// Key layout:
// - roomKey(res):  online members of one resource (ZSet<userId, expireAtUnix>, score=expireAt)
// - namesKey(res): userId -> username for that resource (Hash)
// - seqKey(res):   per-resource change-event sequence counter (String, INCR)
//
// The {res:...} hash tag keeps all keys for one resource on the same cluster
// slot so the prune Lua script can touch both keys atomically.
const (
	keyRoomFmt  = "presence:room:{res:%s}"
	keyNamesFmt = "presence:names:{res:%s}"
	keySeqFmt   = "events:seq:{res:%s}"
)

func roomKey(resourceKey string) string  { return fmt.Sprintf(keyRoomFmt, resourceKey) }
func namesKey(resourceKey string) string { return fmt.Sprintf(keyNamesFmt, resourceKey) }
func seqKey(resourceKey string) string   { return fmt.Sprintf(keySeqFmt, resourceKey) }
