package tg

import "sync"

type ChatState int

const (
	StateIdle ChatState = iota
	StateAwaitTxHash
	StateAwaitSessionID
)

type StateStore struct {
	mu    sync.Mutex
	state map[int64]ChatState
}

func NewStateStore() *StateStore {
	return &StateStore{state: make(map[int64]ChatState)}
}

func (s *StateStore) Set(chatID int64, st ChatState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st == StateIdle {
		delete(s.state, chatID)
		return
	}
	s.state[chatID] = st
}

// Take returns the chat state and resets it to idle.
func (s *StateStore) Take(chatID int64) ChatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state[chatID]
	delete(s.state, chatID)
	return st
}
