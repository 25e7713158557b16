package domain

type Connection interface {
	ID() string
	Send(data []byte) error
	Close() error
}

// Registry tracks live connections and the role each one has claimed.
type Registry interface {
	Register(conn Connection)
	Unregister(conn Connection)
	SetRole(conn Connection, role Role) bool
	Role(conn Connection) (Role, bool)
	Broadcast(data []byte) int
	Count() int
}

type MessageHandler interface {
	Handle(conn Connection, data []byte)
}

// ControlSource reports whether the autonomous agent currently owns the
// environment.
type ControlSource interface {
	AgentAlive() bool
}
