// Package session holds the user session model shared by the store, the
// cross-DC resolver and the HTTP API.
package session

// Client session actions.
const (
	ActionCodeToToken  = "CODE_TO_TOKEN"
	ActionAuthenticate = "AUTHENTICATE"
	ActionLoggedOut    = "LOGGED_OUT"
)

// ClientSession is the per-client state attached to a user session.
type ClientSession struct {
	ClientID  string `json:"client_id"`
	Action    string `json:"action,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Session is a user session as seen by one site.
//
// Times are epoch seconds. LastRefresh drives idle expiry and is the value
// synchronized between sites.
type Session struct {
	ID             string                    `json:"id"`
	RealmID        string                    `json:"realm_id"`
	UserID         string                    `json:"user_id,omitempty"`
	Offline        bool                      `json:"offline"`
	Started        int64                     `json:"started"`
	LastRefresh    int64                     `json:"last_refresh"`
	ClientSessions map[string]*ClientSession `json:"client_sessions,omitempty"`
}

// Clone returns a deep copy, so callers never share client session maps
// with the store. Nil client session entries are dropped.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.ClientSessions != nil {
		out.ClientSessions = make(map[string]*ClientSession, len(s.ClientSessions))
		for id, cs := range s.ClientSessions {
			if cs == nil {
				continue
			}
			c := *cs
			out.ClientSessions[id] = &c
		}
	}
	return &out
}

// Predicate is a pure check over a session's attached client sessions.
type Predicate func(s *Session) bool

// Any accepts every session.
func Any(*Session) bool { return true }

// HasClient accepts sessions with a client session for clientID attached.
func HasClient(clientID string) Predicate {
	return func(s *Session) bool {
		cs, ok := s.ClientSessions[clientID]
		return ok && cs != nil
	}
}

// HasClientAction accepts sessions whose client session for clientID is
// waiting on action.
func HasClientAction(clientID, action string) Predicate {
	return func(s *Session) bool {
		cs, ok := s.ClientSessions[clientID]
		return ok && cs != nil && cs.Action == action
	}
}
