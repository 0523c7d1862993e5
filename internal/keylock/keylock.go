// Package keylock сериализует операции по ключу (идентификатору пользователя).
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Locker выдаёт мьютекс на ключ. Запись удаляется, когда ключ больше никто не держит и не ждёт.
// Нулевое значение готово к использованию.
type Locker struct {
	mu    sync.Mutex
	locks map[int64]*entry
}

// Lock захватывает мьютекс ключа и возвращает функцию освобождения.
func (l *Locker) Lock(key int64) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[int64]*entry)
	}
	e, ok := l.locks[key]
	if !ok {
		e = &entry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}
}

// Len возвращает число ключей, которые сейчас удерживаются или ожидаются.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
