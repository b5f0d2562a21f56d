package session

import "slices"

const WatcherChannelSize = 100

// AddWatcher returns a channel that receives all events of the given session.
// The caller must call RemoveWatcher when it is done.
func (s *Store) AddWatcher(sessionID string) chan Event {
	s.watchersLock.Lock()
	defer s.watchersLock.Unlock()
	ch := make(chan Event, WatcherChannelSize)
	s.watchers[sessionID] = append(s.watchers[sessionID], ch)
	return ch
}

// Unregister a watcher
func (s *Store) RemoveWatcher(sessionID string, ch chan Event) {
	s.watchersLock.Lock()
	defer s.watchersLock.Unlock()
	list := s.watchers[sessionID]
	for i, w := range list {
		if w == ch {
			list = slices.Delete(list, i, i+1)
			if len(list) == 0 {
				delete(s.watchers, sessionID)
			} else {
				s.watchers[sessionID] = list
			}
			return
		}
	}
	s.Log.Warnf("Store.RemoveWatcher failed to find channel for session %v", sessionID)
}

func (s *Store) sendToWatchers(ev Event) {
	s.watchersLock.RLock()
	defer s.watchersLock.RUnlock()
	for _, ch := range s.watchers[ev.SessionID] {
		// A slow watcher loses events rather than stalling detection requests
		if len(ch) >= cap(ch)*9/10 {
			s.Log.Warnf("Session %v watcher is falling behind. Dropping %v event.", ev.SessionID, ev.Kind)
		} else {
			ch <- ev
		}
	}
}
