package streaming

import "fmt"

// StateKind tags the variant held by a State.
type StateKind int

const (
	StateConnected StateKind = iota
	StateAuthenticating
	StateAuthenticated
	StateRejected
	StateClosed
)

func (k StateKind) String() string {
	switch k {
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRejected:
		return "rejected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(k))
	}
}

// State is one connection's handshake state. WorkspaceID is set only when
// Kind is StateAuthenticated; Reason only when Kind is StateRejected.
type State struct {
	Kind        StateKind
	WorkspaceID string
	Reason      string
}

func Connected() State { return State{Kind: StateConnected} }

func Authenticated(workspaceID string) State {
	return State{Kind: StateAuthenticated, WorkspaceID: workspaceID}
}

func Rejected(reason string) State { return State{Kind: StateRejected, Reason: reason} }

func Closed() State { return State{Kind: StateClosed} }

func (s State) String() string {
	switch s.Kind {
	case StateAuthenticated:
		return fmt.Sprintf("authenticated(%s)", s.WorkspaceID)
	case StateRejected:
		return fmt.Sprintf("rejected(%s)", s.Reason)
	default:
		return s.Kind.String()
	}
}

// Registered reports whether a connection in this state holds a registry entry.
func (s State) Registered() bool { return s.Kind == StateAuthenticated }

// Terminal reports whether no further transition can change the state, other
// than the final move to Closed.
func (s State) Terminal() bool { return s.Kind == StateRejected || s.Kind == StateClosed }

// SessionEvent is an input to Next.
type SessionEvent interface{ sessionEvent() }

// MessageReceived carries one client frame.
type MessageReceived struct{ Data []byte }

// HandshakeExpired fires when no subscribe succeeded in time.
type HandshakeExpired struct{}

// TransportClosed fires on client disconnect or any read/write failure.
type TransportClosed struct{}

func (MessageReceived) sessionEvent()  {}
func (HandshakeExpired) sessionEvent() {}
func (TransportClosed) sessionEvent()  {}

// Action is an effect Next asks the gateway to perform, in order.
type Action interface{ action() }

type SendMessage struct{ Payload []byte }

type Register struct{ WorkspaceID string }

type Deregister struct{}

type CloseTransport struct{}

func (SendMessage) action()    {}
func (Register) action()       {}
func (Deregister) action()     {}
func (CloseTransport) action() {}

// ValidateFunc resolves a subscription token to its workspace.
type ValidateFunc func(token string) (workspaceID string, err error)

// Next is the handshake transition function. It performs no I/O; the only
// outside call is validate. Authenticating is entered and left within a
// single transition because validation is synchronous.
func Next(s State, ev SessionEvent, validate ValidateFunc) (State, []Action) {
	if s.Kind == StateClosed {
		return s, nil
	}

	if _, ok := ev.(TransportClosed); ok {
		if s.Registered() {
			return Closed(), []Action{Deregister{}}
		}
		return Closed(), nil
	}

	switch s.Kind {
	case StateConnected, StateAuthenticating:
		switch e := ev.(type) {
		case MessageReceived:
			token, ok := parseSubscribe(e.Data)
			if !ok {
				return s, nil
			}
			return authenticate(token, validate)
		case HandshakeExpired:
			return Rejected("handshake timeout"), []Action{
				SendMessage{Payload: encodeError(handshakeTimeoutText)},
				CloseTransport{},
			}
		}
	}

	// Authenticated ignores client frames and stale timers; Rejected is
	// waiting for the transport to go away.
	return s, nil
}

func authenticate(token string, validate ValidateFunc) (State, []Action) {
	reject := []Action{
		SendMessage{Payload: encodeError(invalidTokenText)},
		CloseTransport{},
	}
	if token == "" {
		return Rejected("missing token"), reject
	}
	workspaceID, err := validate(token)
	if err != nil {
		return Rejected(err.Error()), reject
	}
	return Authenticated(workspaceID), []Action{
		Register{WorkspaceID: workspaceID},
		SendMessage{Payload: encodeSubscribed(workspaceID)},
	}
}
