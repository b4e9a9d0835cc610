package gateway

import "sync"

// Rooms tracks which clients are joined to which session in this process.
// A room is purely a broadcast scope; broadcasting to an absent or empty
// room is a no-op.
type Rooms struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Client
}

// NewRooms returns an empty room set.
func NewRooms() *Rooms {
	return &Rooms{rooms: make(map[string]map[string]*Client)}
}

// Add places the client in the session's room.
func (r *Rooms) Add(sessionID string, client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[sessionID]
	if !ok {
		room = make(map[string]*Client)
		r.rooms[sessionID] = room
	}
	room[client.ID()] = client
}

// Remove takes the client out of the session's room and reports how many
// clients remain in it locally.
func (r *Rooms) Remove(sessionID, clientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[sessionID]
	if !ok {
		return 0
	}
	delete(room, clientID)
	remaining := len(room)
	if remaining == 0 {
		delete(r.rooms, sessionID)
	}
	return remaining
}

// Broadcast queues the frame for every room member except the named client.
// Echo suppression is positional: pass the sender's id to keep an update
// from bouncing back to its originator, or "" to reach the whole room.
func (r *Rooms) Broadcast(sessionID string, frame []byte, exceptClientID string) {
	if frame == nil {
		return
	}
	r.mu.RLock()
	members := make([]*Client, 0, len(r.rooms[sessionID]))
	for clientID, client := range r.rooms[sessionID] {
		if clientID == exceptClientID {
			continue
		}
		members = append(members, client)
	}
	r.mu.RUnlock()
	for _, client := range members {
		client.Send(frame)
	}
}

// HasUser reports whether any other connection in the room belongs to the
// given user. Participant rows flip to left only when the user's last
// connection goes away.
func (r *Rooms) HasUser(sessionID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, client := range r.rooms[sessionID] {
		if client.UserID() == userID {
			return true
		}
	}
	return false
}
