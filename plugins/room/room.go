// Package room is a broadcast plugin grouping sessions into named rooms.
package room

import (
	"sync"

	"github.com/efecan0/binaryrpc-framework/session"
	"github.com/efecan0/binaryrpc-framework/transport"
)

// Plugin tracks room membership by session id and broadcasts to live
// members. Offline members are skipped; callers wanting offline delivery
// route through the framework API instead.
type Plugin struct {
	sessions *session.Manager
	tr       transport.Transport

	mu    sync.Mutex
	rooms map[string]map[string]struct{}
}

// New creates the room plugin.
func New(sessions *session.Manager, tr transport.Transport) *Plugin {
	return &Plugin{
		sessions: sessions,
		tr:       tr,
		rooms:    make(map[string]map[string]struct{}),
	}
}

// Initialize implements app.Plugin.
func (p *Plugin) Initialize() error {
	return nil
}

// Join adds sid to room.
func (p *Plugin) Join(room, sid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	members, ok := p.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		p.rooms[room] = members
	}
	members[sid] = struct{}{}
}

// Leave removes sid from room.
func (p *Plugin) Leave(room, sid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if members, ok := p.rooms[room]; ok {
		delete(members, sid)
		if len(members) == 0 {
			delete(p.rooms, room)
		}
	}
}

// LeaveAll removes sid from every room, typically on disconnect.
func (p *Plugin) LeaveAll(sid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for room, members := range p.rooms {
		delete(members, sid)
		if len(members) == 0 {
			delete(p.rooms, room)
		}
	}
}

// Broadcast sends data to every live member of room.
func (p *Plugin) Broadcast(room string, data []byte) {
	p.mu.Lock()
	members := make([]string, 0, len(p.rooms[room]))
	for sid := range p.rooms[room] {
		members = append(members, sid)
	}
	p.mu.Unlock()

	for _, sid := range members {
		s := p.sessions.GetSession(sid)
		if s == nil {
			continue
		}
		if conn := s.Conn(); conn != nil {
			p.tr.SendToClient(conn, data)
		}
	}
}

// Members returns a snapshot of room's member session ids.
func (p *Plugin) Members(room string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.rooms[room]))
	for sid := range p.rooms[room] {
		out = append(out, sid)
	}
	return out
}
