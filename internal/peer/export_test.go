package peer

// PeerState returns the state of peerID if it is registered.
func (m *Manager) PeerState(peerID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[peerID]
	if !ok {
		return StateNew, false
	}
	return p.state, true
}

// PeerCount returns the number of registered peers in any state.
func (m *Manager) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}
