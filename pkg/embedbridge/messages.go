// Copyright 2025-2026 Aiku AI

package embedbridge

// CommandType identifies a host-to-frame command.
type CommandType string

const (
	CommandCheckReady      CommandType = "checkReady"
	CommandLogin           CommandType = "login"
	CommandRestoreSession  CommandType = "restoreSession"
	CommandExistingSession CommandType = "existingSession"
	CommandLogout          CommandType = "logout"
	CommandSelectRoom      CommandType = "selectRoom"
)

// EventType identifies a frame-to-host event.
type EventType string

const (
	EventReady                  EventType = "ready"
	EventLoginComplete          EventType = "loginComplete"
	EventLoginSuccess           EventType = "loginSuccess"
	EventLoginFailed            EventType = "loginFailed"
	EventExistingSessionLoaded  EventType = "existingSessionLoaded"
	EventSessionLoadFailed      EventType = "sessionLoadFailed"
	EventUnableToRestoreSession EventType = "unableToRestoreSession"
	EventLogoutComplete         EventType = "logoutComplete"
	EventLogoutAllFailed        EventType = "logoutAllFailed"
	EventRoomSelected           EventType = "roomSelected"
	EventRoomSelectFailed       EventType = "roomSelectFailed"
)

// Command is a decoded host command. The concrete type carries the payload.
type Command interface {
	CommandType() CommandType
}

// CheckReadyCommand asks the bridge to confirm it is listening. The host may
// send it any number of times, e.g. after reloading itself.
type CheckReadyCommand struct{}

func (CheckReadyCommand) CommandType() CommandType { return CommandCheckReady }

// LoginCommand requests a password login against the given homeserver.
type LoginCommand struct {
	HomeserverURL string `json:"homeserverUrl"`
	Username      string `json:"username"`
	Password      string `json:"password"`
}

func (LoginCommand) CommandType() CommandType { return CommandLogin }

// RestoreSessionCommand hands the bridge a previously issued session
// descriptor to re-attach. Sent as either "restoreSession" or
// "existingSession"; both decode to this type.
type RestoreSessionCommand struct {
	HomeserverURL string `json:"homeserverUrl"`
	AccessToken   string `json:"accessToken"`
	UserID        string `json:"userId"`
	DeviceID      string `json:"deviceId"`
}

func (RestoreSessionCommand) CommandType() CommandType { return CommandRestoreSession }

// Descriptor converts the command payload into a SessionDescriptor.
func (c RestoreSessionCommand) Descriptor() SessionDescriptor {
	return SessionDescriptor{
		HomeserverURL: c.HomeserverURL,
		UserID:        c.UserID,
		DeviceID:      c.DeviceID,
		AccessToken:   c.AccessToken,
	}
}

// LogoutCommand requests remote session invalidation and local teardown.
type LogoutCommand struct{}

func (LogoutCommand) CommandType() CommandType { return CommandLogout }

// SelectRoomCommand asks the frame to focus the given room.
type SelectRoomCommand struct {
	RoomID string `json:"roomId"`
}

func (SelectRoomCommand) CommandType() CommandType { return CommandSelectRoom }

// Event is an outgoing frame-to-host event.
type Event interface {
	EventType() EventType
}

// SessionFields is the descriptor payload shared by loginComplete and
// loginSuccess, matching the fields the host needs to persist on its side.
type SessionFields struct {
	HomeserverURL string `json:"homeserverUrl"`
	UserID        string `json:"userId"`
	DeviceID      string `json:"deviceId"`
	AccessToken   string `json:"accessToken"`
}

func sessionFields(desc SessionDescriptor) SessionFields {
	return SessionFields{
		HomeserverURL: desc.HomeserverURL,
		UserID:        desc.UserID,
		DeviceID:      desc.DeviceID,
		AccessToken:   desc.AccessToken,
	}
}

// ReadyEvent confirms the bridge is listening.
type ReadyEvent struct{}

func (ReadyEvent) EventType() EventType { return EventReady }

// LoginCompleteEvent reports that the password login call succeeded. The
// attach may still fail afterwards; loginSuccess confirms the full sequence.
type LoginCompleteEvent struct {
	SessionFields
}

func (LoginCompleteEvent) EventType() EventType { return EventLoginComplete }

// LoginSuccessEvent reports that login and attach both completed.
type LoginSuccessEvent struct {
	SessionFields
}

func (LoginSuccessEvent) EventType() EventType { return EventLoginSuccess }

// LoginFailedEvent reports a failed login attempt.
type LoginFailedEvent struct {
	Error string `json:"error"`
}

func (LoginFailedEvent) EventType() EventType { return EventLoginFailed }

// ExistingSessionLoadedEvent reports that a restored session is attached.
type ExistingSessionLoadedEvent struct{}

func (ExistingSessionLoadedEvent) EventType() EventType { return EventExistingSessionLoaded }

// SessionLoadFailedEvent reports a failed session restore.
type SessionLoadFailedEvent struct {
	Error string `json:"error"`
}

func (SessionLoadFailedEvent) EventType() EventType { return EventSessionLoadFailed }

// UnableToRestoreSessionEvent reports that the provided session descriptor
// was unusable before any attach was attempted.
type UnableToRestoreSessionEvent struct {
	Error string `json:"error"`
}

func (UnableToRestoreSessionEvent) EventType() EventType { return EventUnableToRestoreSession }

// LogoutCompleteEvent reports local teardown after logout. Info is set to
// "No active session" when there was nothing to log out of.
type LogoutCompleteEvent struct {
	Info string `json:"info,omitempty"`
}

func (LogoutCompleteEvent) EventType() EventType { return EventLogoutComplete }

// LogoutAllFailedEvent reports that the remote session invalidation failed.
// The session stays live; no local state was cleared.
type LogoutAllFailedEvent struct {
	Error string `json:"error"`
}

func (LogoutAllFailedEvent) EventType() EventType { return EventLogoutAllFailed }

// RoomSelectedEvent acknowledges a selectRoom command.
type RoomSelectedEvent struct {
	RoomID string `json:"roomId"`
}

func (RoomSelectedEvent) EventType() EventType { return EventRoomSelected }

// RoomSelectFailedEvent reports that a room could not be selected.
type RoomSelectFailedEvent struct {
	Error string `json:"error"`
}

func (RoomSelectFailedEvent) EventType() EventType { return EventRoomSelectFailed }
