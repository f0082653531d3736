package history

import (
	"errors"
	"slices"
)

var (
	ErrDuplicateAction = errors.New("history: action already recorded")
	ErrEmptyHistory    = errors.New("history: nothing to undo")
	ErrUnknownAction   = errors.New("history: action not in undo stack")
	ErrNotUndone       = errors.New("history: action not in redo stack")
)

// Room holds the undo/redo stacks of one collaboration room.
// An action id lives in at most one of undo, redo and retracted.
// Callers serialize access; the hub's event loop is the only writer.
type Room struct {
	ID        string
	undo      []string
	redo      []string
	retracted []string
}

// Creates an empty history for the given room
func NewRoom(id string) *Room {
	return &Room{
		ID:   id,
		undo: make([]string, 0),
		redo: make([]string, 0),
	}
}

// Record pushes a fresh action and invalidates the redo future. Ids dropped
// from the redo stack can never come back and are kept as retracted.
func (r *Room) Record(actionID string) error {
	if r.Knows(actionID) {
		return ErrDuplicateAction
	}
	r.undo = append(r.undo, actionID)
	if len(r.redo) > 0 {
		r.retracted = append(r.retracted, r.redo...)
		r.redo = r.redo[:0]
	}
	return nil
}

// Undo moves an action from the undo stack to the redo stack. An empty id
// selects the newest undo entry. Returns the id that moved.
func (r *Room) Undo(actionID string) (string, error) {
	if len(r.undo) == 0 {
		return "", ErrEmptyHistory
	}
	i := len(r.undo) - 1
	if actionID != "" {
		i = slices.Index(r.undo, actionID)
		if i < 0 {
			return "", ErrUnknownAction
		}
	}
	id := r.undo[i]
	r.undo = slices.Delete(r.undo, i, i+1)
	r.redo = append(r.redo, id)
	return id, nil
}

// Redo moves an action from the redo stack back onto the undo stack so it
// can be undone again. An empty id selects the newest redo entry.
func (r *Room) Redo(actionID string) (string, error) {
	if len(r.redo) == 0 {
		return "", ErrNotUndone
	}
	i := len(r.redo) - 1
	if actionID != "" {
		i = slices.Index(r.redo, actionID)
		if i < 0 {
			return "", ErrNotUndone
		}
	}
	id := r.redo[i]
	r.redo = slices.Delete(r.redo, i, i+1)
	r.undo = append(r.undo, id)
	return id, nil
}

// Knows reports whether the id was ever recorded in this room.
func (r *Room) Knows(actionID string) bool {
	return slices.Contains(r.undo, actionID) ||
		slices.Contains(r.redo, actionID) ||
		slices.Contains(r.retracted, actionID)
}

// Abandoned returns every id that was undone and never redone: the redo
// stack plus ids invalidated by later edits.
func (r *Room) Abandoned() []string {
	out := make([]string, 0, len(r.redo)+len(r.retracted))
	out = append(out, r.retracted...)
	out = append(out, r.redo...)
	return out
}

// Returns copies of both stacks, oldest first
func (r *Room) Stacks() (undo, redo []string) {
	return slices.Clone(r.undo), slices.Clone(r.redo)
}

// Registry owns the histories of all live rooms.
type Registry struct {
	rooms map[string]*Room
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*Room)}
}

// Room returns the history for id, creating it on first use.
func (g *Registry) Room(id string) *Room {
	if r, ok := g.rooms[id]; ok {
		return r
	}
	r := NewRoom(id)
	g.rooms[id] = r
	return r
}

// Lookup returns the history for id without creating it.
func (g *Registry) Lookup(id string) (*Room, bool) {
	r, ok := g.rooms[id]
	return r, ok
}

// Drop forgets a room and returns its last history, if any.
func (g *Registry) Drop(id string) (*Room, bool) {
	r, ok := g.rooms[id]
	if ok {
		delete(g.rooms, id)
	}
	return r, ok
}

func (g *Registry) Len() int {
	return len(g.rooms)
}
