package pubsub

// The channel which has session lifecycle payloads
const ChanSessions = "sessionsch"

// SessionListener is implemented by collaborators (logging, metrics, export)
// interested in session lifecycle notifications.
type SessionListener interface {
	OnSessionCreated(p *SessionCreated)
	OnSessionUpdated(p *SessionUpdated)
	OnSessionDeleted(p *SessionDeleted)
	OnDeviceRegistered(p *DeviceRegistered)
	OnSyncEventsBroadcast(p *SyncEventsBroadcast)
	OnConflictsResolved(p *ConflictsResolved)
	OnExpiredSessionsCleanedUp(p *ExpiredSessionsCleanedUp)
}

type SessionCreated struct {
	SessionID string
	UserID    string
}

func (s SessionCreated) Type() string { return "sc" }

type SessionUpdated struct {
	SessionID string
}

func (s SessionUpdated) Type() string { return "su" }

type SessionDeleted struct {
	SessionID string
}

func (s SessionDeleted) Type() string { return "sx" }

type DeviceRegistered struct {
	DeviceID string
}

func (d DeviceRegistered) Type() string { return "dr" }

// SyncEventsBroadcast is emitted once per target device: DeviceID is the
// device the events are delivered to, never their author.
type SyncEventsBroadcast struct {
	SessionID string
	DeviceID  string
	NumEvents int
}

func (s SyncEventsBroadcast) Type() string { return "sb" }

type ConflictsResolved struct {
	SessionID    string
	NumConflicts int
	Strategy     string
}

func (c ConflictsResolved) Type() string { return "cr" }

type ExpiredSessionsCleanedUp struct {
	NumSessions int
}

func (e ExpiredSessionsCleanedUp) Type() string { return "ex" }

// SessionsSub dispatches ChanSessions payloads to a SessionListener.
type SessionsSub struct {
	listener Listener
	receiver SessionListener
}

func NewSessionsSub(l Listener, recv SessionListener) *SessionsSub {
	return &SessionsSub{
		listener: l,
		receiver: recv,
	}
}

func (s *SessionsSub) Teardown() {
	s.listener.Close()
}

func (s *SessionsSub) onMessage(p Payload) {
	switch pl := p.(type) {
	case *SessionCreated:
		s.receiver.OnSessionCreated(pl)
	case *SessionUpdated:
		s.receiver.OnSessionUpdated(pl)
	case *SessionDeleted:
		s.receiver.OnSessionDeleted(pl)
	case *DeviceRegistered:
		s.receiver.OnDeviceRegistered(pl)
	case *SyncEventsBroadcast:
		s.receiver.OnSyncEventsBroadcast(pl)
	case *ConflictsResolved:
		s.receiver.OnConflictsResolved(pl)
	case *ExpiredSessionsCleanedUp:
		s.receiver.OnExpiredSessionsCleanedUp(pl)
	}
}

func (s *SessionsSub) Listen() error {
	return s.listener.Listen(ChanSessions, s.onMessage)
}
