package fetcher

import "github.com/quarrylab/shufflefetch/internal/shuffle"

// attemptSet is an insertion-ordered set of attempts keyed by attempt
// identity. Not safe for concurrent use; only the fetcher's own
// goroutine touches it.
type attemptSet struct {
	order   []shuffle.AttemptID
	present map[shuffle.AttemptKey]struct{}
}

func newAttemptSet(attempts []shuffle.AttemptID) *attemptSet {
	s := &attemptSet{
		present: make(map[shuffle.AttemptKey]struct{}, len(attempts)),
	}
	for _, a := range attempts {
		if _, ok := s.present[a.Key()]; ok {
			continue
		}
		s.present[a.Key()] = struct{}{}
		s.order = append(s.order, a)
	}
	return s
}

func (s *attemptSet) contains(a shuffle.AttemptID) bool {
	_, ok := s.present[a.Key()]
	return ok
}

func (s *attemptSet) remove(a shuffle.AttemptID) {
	if _, ok := s.present[a.Key()]; !ok {
		return
	}
	delete(s.present, a.Key())
	for i, cur := range s.order {
		if cur.Key() == a.Key() {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *attemptSet) first() (shuffle.AttemptID, bool) {
	if len(s.order) == 0 {
		return shuffle.AttemptID{}, false
	}
	return s.order[0], true
}

func (s *attemptSet) values() []shuffle.AttemptID {
	out := make([]shuffle.AttemptID, len(s.order))
	copy(out, s.order)
	return out
}

func (s *attemptSet) len() int {
	return len(s.order)
}
