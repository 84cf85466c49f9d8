package cache

import "fmt"

// Key semantics:
// - sessionKey(sessionID):      candidate member set (Set<participantId>)
// - memberKey(sessionID, pid):  heartbeat key (String "1" with TTL)
// - namesKey(sessionID):        participantId -> display name (Hash)
// - stateKey(sessionID, pid):   cursor/selection JSON (String with TTL)
const (
	keySessionFmt = "presence:session:%s"
	keyMemberFmt  = "presence:member:%s:%s"
	keyNamesFmt   = "presence:names:%s"
	keyStateFmt   = "presence:state:%s:%s"
)

func sessionKey(sessionID string) string     { return fmt.Sprintf(keySessionFmt, sessionID) }
func memberKey(sessionID, pid string) string { return fmt.Sprintf(keyMemberFmt, sessionID, pid) }
func namesKey(sessionID string) string       { return fmt.Sprintf(keyNamesFmt, sessionID) }
func stateKey(sessionID, pid string) string  { return fmt.Sprintf(keyStateFmt, sessionID, pid) }
