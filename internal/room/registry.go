package room

// Registry owns the room table. Rooms are created lazily on first hello
// and removed by the maintenance sweep once evictable. Like Room, the
// registry is confined to the hub loop and needs no locking.
type Registry struct {
	rooms map[string]*Room
	opts  Options
}

// NewRegistry creates an empty registry whose rooms share opts.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
		opts:  opts,
	}
}

// GetOrCreate returns the room for shareID, creating it if unknown.
func (g *Registry) GetOrCreate(shareID string) *Room {
	r, ok := g.rooms[shareID]
	if !ok {
		r = New(shareID, g.opts)
		g.rooms[shareID] = r
	}
	return r
}

// Get returns the room for shareID, or nil.
func (g *Registry) Get(shareID string) *Room {
	return g.rooms[shareID]
}

// Remove drops the room for shareID.
func (g *Registry) Remove(shareID string) {
	delete(g.rooms, shareID)
}

// Len returns the number of live rooms.
func (g *Registry) Len() int { return len(g.rooms) }

// Each calls fn for every room. fn may not add or remove rooms; collect
// IDs and call Remove afterwards.
func (g *Registry) Each(fn func(*Room)) {
	for _, r := range g.rooms {
		fn(r)
	}
}
