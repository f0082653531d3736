package ws

import "errors"

var (
	ErrAlreadyRegistered = errors.New("ws: connection already registered")
	ErrNotRegistered     = errors.New("ws: connection not registered")
)

// membership is the single connection<->room relation. Both indexes are
// always changed together so they cannot drift apart.
type membership struct {
	rooms   map[string]map[*Client]struct{}
	clients map[*Client]map[string]struct{}
}

func newMembership() *membership {
	return &membership{
		rooms:   make(map[string]map[*Client]struct{}),
		clients: make(map[*Client]map[string]struct{}),
	}
}

func (m *membership) register(c *Client) error {
	if _, ok := m.clients[c]; ok {
		return ErrAlreadyRegistered
	}
	m.clients[c] = make(map[string]struct{})
	return nil
}

// join reports whether membership changed.
func (m *membership) join(c *Client, roomID string) (bool, error) {
	joined, ok := m.clients[c]
	if !ok {
		return false, ErrNotRegistered
	}
	if _, ok := joined[roomID]; ok {
		return false, nil
	}

	joined[roomID] = struct{}{}
	members, ok := m.rooms[roomID]
	if !ok {
		members = make(map[*Client]struct{})
		m.rooms[roomID] = members
	}
	members[c] = struct{}{}
	return true, nil
}

// leave reports whether c was a member and whether the room is now empty.
func (m *membership) leave(c *Client, roomID string) (left, emptied bool) {
	joined, ok := m.clients[c]
	if !ok {
		return false, false
	}
	if _, ok := joined[roomID]; !ok {
		return false, false
	}

	delete(joined, roomID)
	members := m.rooms[roomID]
	delete(members, c)
	if len(members) == 0 {
		delete(m.rooms, roomID)
		return true, true
	}
	return true, false
}

// unregister removes c from every room and returns the rooms it left empty.
func (m *membership) unregister(c *Client) ([]string, bool) {
	joined, ok := m.clients[c]
	if !ok {
		return nil, false
	}

	var emptied []string
	for roomID := range joined {
		members := m.rooms[roomID]
		delete(members, c)
		if len(members) == 0 {
			delete(m.rooms, roomID)
			emptied = append(emptied, roomID)
		}
	}
	delete(m.clients, c)
	return emptied, true
}

func (m *membership) isMember(c *Client, roomID string) bool {
	_, ok := m.rooms[roomID][c]
	return ok
}

func (m *membership) members(roomID string) []*Client {
	members := m.rooms[roomID]
	out := make([]*Client, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

func (m *membership) roomsOf(c *Client) []string {
	joined := m.clients[c]
	out := make([]string, 0, len(joined))
	for roomID := range joined {
		out = append(out, roomID)
	}
	return out
}

func (m *membership) registered(c *Client) bool {
	_, ok := m.clients[c]
	return ok
}

func (m *membership) roomCount() int   { return len(m.rooms) }
func (m *membership) clientCount() int { return len(m.clients) }
