// Package lockmap — мьютексы по ключу (per-server, per-username).
package lockmap

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map выдаёт отдельный мьютекс на каждый ключ; записи удаляются, когда ими никто не пользуется.
type Map struct {
	mu sync.Mutex
	m  map[string]*entry
}

func New() *Map { return &Map{m: make(map[string]*entry)} }

// Lock блокирует key и возвращает функцию разблокировки.
func (l *Map) Lock(key string) (unlock func()) {
	l.mu.Lock()
	e, ok := l.m[key]
	if !ok {
		e = &entry{}
		l.m[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, key)
		}
		l.mu.Unlock()
	}
}

// Len — число активных ключей.
func (l *Map) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
