package coordination

import "fmt"

// keyFields names the seven per-anchor keys, in the fixed order every
// Lua script below addresses them by KEYS[n].
var keyFields = [...]string{
	"state",
	"access_time",
	"instances",
	"readers",
	"instances_trigger",
	"sessions",
	"last_disconnect",
}

const (
	idxState = iota + 1
	idxAccessTime
	idxInstances
	idxReaders
	idxInstancesTrigger
	idxSessions
	idxLastDisconnect
)

// anchorKeys returns the seven keys for one (channel, anchor) pair, in
// the order keyFields declares, ready to pass as a script's KEYS.
func anchorKeys(channel, anchor string) []string {
	keys := make([]string, len(keyFields))
	for i, field := range keyFields {
		keys[i] = fmt.Sprintf("%s:%s:%s", channel, anchor, field)
	}
	return keys
}

// stateKeyPattern is the SCAN match pattern the sweeper uses to
// enumerate every anchor id registered under a channel.
func stateKeyPattern(channel string) string {
	return fmt.Sprintf("%s:*:%s", channel, keyFields[idxState-1])
}
