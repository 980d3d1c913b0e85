package store

import "strings"

// KeySpace builds the coordination key layout under a channel prefix
type KeySpace struct {
	Prefix string
}

func (k KeySpace) NodeKey(nodeID string) string {
	return k.Prefix + ":node:" + nodeID
}

func (k KeySpace) HeartbeatKey(nodeID string) string {
	return k.Prefix + ":heartbeat:" + nodeID
}

func (k KeySpace) HeartbeatPattern() string {
	return k.Prefix + ":heartbeat:*"
}

func (k KeySpace) LeaderKey() string {
	return k.Prefix + ":leader"
}

// InvalidateChannel carries cache invalidation messages between nodes
func (k KeySpace) InvalidateChannel() string {
	return k.Prefix + ":invalidate"
}

// EventsChannel carries published domain events
func (k KeySpace) EventsChannel() string {
	return k.Prefix + ":events"
}

// NodeIDFromHeartbeatKey returns the node id embedded in a heartbeat key
func (k KeySpace) NodeIDFromHeartbeatKey(key string) (string, bool) {
	p := k.Prefix + ":heartbeat:"
	if !strings.HasPrefix(key, p) {
		return "", false
	}
	return key[len(p):], true
}

// MatchPattern reports whether s matches a Redis-style glob.
// Supported: '*' (any run), '?' (one byte) and '\' escaping the next byte.
func MatchPattern(pattern, s string) bool {
	px, sx := 0, 0
	// position to resume from after the most recent '*'
	starP, starS := -1, 0

	for sx < len(s) {
		if px < len(pattern) {
			switch c := pattern[px]; c {
			case '*':
				starP, starS = px, sx
				px++
				continue
			case '?':
				px++
				sx++
				continue
			case '\\':
				if px+1 < len(pattern) && pattern[px+1] == s[sx] {
					px += 2
					sx++
					continue
				}
			default:
				if c == s[sx] {
					px++
					sx++
					continue
				}
			}
		}
		if starP >= 0 {
			starS++
			px, sx = starP+1, starS
			continue
		}
		return false
	}

	for px < len(pattern) && pattern[px] == '*' {
		px++
	}
	return px == len(pattern)
}
