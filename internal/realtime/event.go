package realtime

import "fmt"

// Server-to-client event names, one per logical lifecycle event.
const (
	EventCreated          = "request:created"
	EventAccepted         = "request:accepted"
	EventRejected         = "request:rejected"
	EventMechanicAssigned = "request:mechanic_assigned"
	EventEstimateUpdated  = "request:estimate_updated"
	EventEstimateApproved = "request:estimate_approved"
	EventStatusChanged    = "request:status_changed"
	EventNoteAdded        = "request:note_added"
)

// Room name helpers. Membership is ephemeral: it is set by a join message and
// lost on disconnect, never persisted.

func RoomUser(id string) string     { return fmt.Sprintf("user:%s", id) }
func RoomProvider(id string) string { return fmt.Sprintf("provider:%s", id) }
func RoomMechanic(id string) string { return fmt.Sprintf("mechanic:%s", id) }
func RoomRequest(id string) string  { return fmt.Sprintf("request:%s", id) }

// Message is the wire envelope for server-to-client events.
type Message struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// Join is the client-to-server subscription message. Any field may be empty;
// the server joins the connection to the rooms for the ids that are set.
// Sending a second join replaces the previous membership.
type Join struct {
	Type       string `json:"type"`
	UserID     string `json:"userId"`
	ProviderID string `json:"providerId"`
	MechanicID string `json:"mechanicId"`
	RequestID  string `json:"requestId"`
}

// Rooms expands the join payload into room names.
func (j Join) Rooms() []string {
	var rooms []string
	if j.UserID != "" {
		rooms = append(rooms, RoomUser(j.UserID))
	}
	if j.ProviderID != "" {
		rooms = append(rooms, RoomProvider(j.ProviderID))
	}
	if j.MechanicID != "" {
		rooms = append(rooms, RoomMechanic(j.MechanicID))
	}
	if j.RequestID != "" {
		rooms = append(rooms, RoomRequest(j.RequestID))
	}
	return rooms
}
