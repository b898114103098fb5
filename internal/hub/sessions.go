package hub

import "sync"

// sessionStore indexes live sessions by session id and by user id. A
// user with several devices holds several sessions.
type sessionStore struct {
	mu     sync.RWMutex
	bySID  map[string]*session
	byUser map[string]map[string]*session
}

func newSessionStore() *sessionStore {
	return &sessionStore{
		bySID:  make(map[string]*session),
		byUser: make(map[string]map[string]*session),
	}
}

func (s *sessionStore) add(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySID[sess.sid] = sess
	if s.byUser[sess.uid] == nil {
		s.byUser[sess.uid] = make(map[string]*session)
	}
	s.byUser[sess.uid][sess.sid] = sess
}

func (s *sessionStore) del(sid string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.bySID[sid]
	if !ok {
		return nil
	}
	delete(s.bySID, sid)
	if peers := s.byUser[sess.uid]; peers != nil {
		delete(peers, sid)
		if len(peers) == 0 {
			delete(s.byUser, sess.uid)
		}
	}
	return sess
}

func (s *sessionStore) forUser(uid string) []*session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*session
	for _, sess := range s.byUser[uid] {
		out = append(out, sess)
	}
	return out
}

func (s *sessionStore) all() []*session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*session, 0, len(s.bySID))
	for _, sess := range s.bySID {
		out = append(out, sess)
	}
	return out
}
