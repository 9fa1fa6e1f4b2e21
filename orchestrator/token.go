package orchestrator

import (
	"strings"

	"github.com/bhyve-go/propolis-migrate/migration"
)

// tokenEncoding/tokenVersion name the Serialized/Error text encoding this
// build speaks, forming a "propolis-migrate-<encoding>/<version>" protocol
// token. This build speaks encoding/json rather than the original's
// RON-flavored encoding.
const (
	tokenEncoding = "json"
	tokenVersion  = "0"
)

// LocalToken is the Upgrade protocol-token this build offers and expects.
func LocalToken() string {
	return "propolis-migrate-" + tokenEncoding + "/" + tokenVersion
}

// negotiateToken compares LocalToken against the set of protocol tokens a
// peer offered, carried over Sec-WebSocket-Protocol so the RFC6455
// Upgrade/Connection headers stay literally "websocket"/"Upgrade" as
// httpws.Upgrade requires, returning migration.Incompatible on mismatch.
func negotiateToken(offered []string) (string, error) {
	local := LocalToken()

	for _, o := range offered {
		if strings.EqualFold(local, o) {
			return local, nil
		}
	}

	return "", migration.Incompatible(local, strings.Join(offered, ","))
}
