package internal

import (
	"fmt"
	"sync"
	"sync/atomic"
)

type DuplicateConnectionIdError struct {
	Id uint32
}

func (e *DuplicateConnectionIdError) Error() string {
	return fmt.Sprintf("Attempted to create connection with duplicate ID %d", e.Id)
}

type MissingConnectionIdError struct {
	Id uint32
}

func (e *MissingConnectionIdError) Error() string {
	return fmt.Sprintf("Missing connection with id=%d", e.Id)
}

type TooManyConnectionsError struct {
	MaxConnections int
}

func (e *TooManyConnectionsError) Error() string {
	return fmt.Sprintf("Too many connections are open (max %d) - cannot create new connection", e.MaxConnections)
}

type ConnectionState uint8

const (
	ConnectionState_Pending ConnectionState = iota
	ConnectionState_UpstreamConnecting
	ConnectionState_Active
	ConnectionState_Closed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionState_Pending:
		return "pending"
	case ConnectionState_UpstreamConnecting:
		return "upstream-connecting"
	case ConnectionState_Active:
		return "active"
	case ConnectionState_Closed:
		return "closed"
	}
	return fmt.Sprintf("ConnectionState(%d)", uint8(s))
}

type ConnectionMetadata struct {
	Mut                     sync.RWMutex
	State                   ConnectionState
	RemoteAddr              string
	CreatedTime             int64
	StateChangeTime         int64
	LastDownstreamMsgTime   int64
	LastUpstreamMsgTime     int64
	DownstreamMessagesCount uint64
	UpstreamEventsCount     uint64
}

// ConnectionStore tracks every live relay connection. Timestamps are opaque
// int64 values supplied by the caller; the store only compares them.
type ConnectionStore struct {
	MaxConnections int

	nextConnectionId atomic.Uint32

	mut_connections sync.RWMutex
	connections     map[uint32]*ConnectionMetadata
}

func CreateConnectionStore(maxConnections int) *ConnectionStore {
	return &ConnectionStore{
		MaxConnections:   maxConnections,
		nextConnectionId: atomic.Uint32{},
		mut_connections:  sync.RWMutex{},
		connections:      make(map[uint32]*ConnectionMetadata),
	}
}

func (store *ConnectionStore) GetNewConnectionId() uint32 {
	return store.nextConnectionId.Add(1)
}

func (store *ConnectionStore) Count() int {
	store.mut_connections.RLock()
	defer store.mut_connections.RUnlock()

	return len(store.connections)
}

func (store *ConnectionStore) CreateConnection(connectionId uint32, remoteAddr string, timestamp int64) error {
	store.mut_connections.Lock()
	defer store.mut_connections.Unlock()

	if _, has := store.connections[connectionId]; has {
		return &DuplicateConnectionIdError{Id: connectionId}
	}

	if store.MaxConnections > 0 && len(store.connections) >= store.MaxConnections {
		return &TooManyConnectionsError{MaxConnections: store.MaxConnections}
	}

	store.connections[connectionId] = &ConnectionMetadata{
		Mut:                   sync.RWMutex{},
		State:                 ConnectionState_Pending,
		RemoteAddr:            remoteAddr,
		CreatedTime:           timestamp,
		StateChangeTime:       timestamp,
		LastDownstreamMsgTime: timestamp,
		LastUpstreamMsgTime:   timestamp,
	}

	return nil
}

func (store *ConnectionStore) RemoveConnection(connectionId uint32) {
	store.mut_connections.Lock()
	defer store.mut_connections.Unlock()
	delete(store.connections, connectionId)
}

func (store *ConnectionStore) withConnection(connectionId uint32, fn func(connection *ConnectionMetadata)) error {
	store.mut_connections.RLock()
	defer store.mut_connections.RUnlock()

	connection, has := store.connections[connectionId]
	if !has {
		return &MissingConnectionIdError{Id: connectionId}
	}

	connection.Mut.Lock()
	defer connection.Mut.Unlock()

	fn(connection)
	return nil
}

func (store *ConnectionStore) SetState(connectionId uint32, state ConnectionState, timestamp int64) error {
	return store.withConnection(connectionId, func(connection *ConnectionMetadata) {
		connection.State = state
		connection.StateChangeTime = timestamp
	})
}

func (store *ConnectionStore) GetState(connectionId uint32) (ConnectionState, error) {
	state := ConnectionState_Closed
	err := store.withConnection(connectionId, func(connection *ConnectionMetadata) {
		state = connection.State
	})
	return state, err
}

func (store *ConnectionStore) SetDownstreamRecvTimestamp(connectionId uint32, timestamp int64) error {
	return store.withConnection(connectionId, func(connection *ConnectionMetadata) {
		connection.LastDownstreamMsgTime = timestamp
		connection.DownstreamMessagesCount++
	})
}

func (store *ConnectionStore) SetUpstreamRecvTimestamp(connectionId uint32, timestamp int64) error {
	return store.withConnection(connectionId, func(connection *ConnectionMetadata) {
		connection.LastUpstreamMsgTime = timestamp
		connection.UpstreamEventsCount++
	})
}

func (store *ConnectionStore) GetMessageCounts(connectionId uint32) (downstreamMessages uint64, upstreamEvents uint64, err error) {
	err = store.withConnection(connectionId, func(connection *ConnectionMetadata) {
		downstreamMessages = connection.DownstreamMessagesCount
		upstreamEvents = connection.UpstreamEventsCount
	})
	return downstreamMessages, upstreamEvents, err
}

// GetStalledConnectionList lists connections that entered the
// upstream-connecting state before connectDeadline and are still in it.
func (store *ConnectionStore) GetStalledConnectionList(connectDeadline int64) []uint32 {
	store.mut_connections.RLock()
	defer store.mut_connections.RUnlock()

	stalled := []uint32{}

	for connectionId, connection := range store.connections {
		connection.Mut.RLock()
		isStalled := connection.State == ConnectionState_UpstreamConnecting && connection.StateChangeTime < connectDeadline
		connection.Mut.RUnlock()

		if isStalled {
			stalled = append(stalled, connectionId)
		}
	}

	return stalled
}
